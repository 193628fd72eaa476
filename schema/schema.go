// Package schema declares the entities, attributes and links the data client
// understands. Mutations are checked against it before they reach storage.
package schema

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownEntity    = errors.New("unknown entity")
	ErrUnknownAttribute = errors.New("unknown attribute")
	ErrUnknownLink      = errors.New("unknown link")
	ErrAttributeType    = errors.New("attribute has the wrong type")
	ErrMissingAttribute = errors.New("required attribute missing")
)

type ValueType string

const (
	String ValueType = "string"
	Date   ValueType = "date"
)

type Attr struct {
	Name     string    `json:"name"`
	Type     ValueType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Indexed  bool      `json:"indexed,omitempty"`
	Unique   bool      `json:"unique,omitempty"`
	Column   string    `json:"-"`
}

type Entity struct {
	Name  string `json:"name"`
	Attrs []Attr `json:"attrs"`
	Table string `json:"-"`
}

func (e Entity) Attr(name string) (Attr, bool) {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a, true
		}
	}
	return Attr{}, false
}

// LinkSide is one direction of a link: entity.label points at the other side.
type LinkSide struct {
	On    string `json:"on"`
	Label string `json:"label"`
	Has   string `json:"has"`
}

type Link struct {
	Name    string   `json:"name"`
	Forward LinkSide `json:"forward"`
	Reverse LinkSide `json:"reverse"`
}

type Schema struct {
	Entities []Entity `json:"entities"`
	Links    []Link   `json:"links"`
}

func (s Schema) Entity(name string) (Entity, error) {
	for _, e := range s.Entities {
		if e.Name == name {
			return e, nil
		}
	}
	return Entity{}, fmt.Errorf("%w: %q", ErrUnknownEntity, name)
}

// LinkTarget resolves entity.label to the link and the entity it points at.
func (s Schema) LinkTarget(entity, label string) (Link, string, error) {
	for _, l := range s.Links {
		if l.Forward.On == entity && l.Forward.Label == label {
			return l, l.Reverse.On, nil
		}
		if l.Reverse.On == entity && l.Reverse.Label == label {
			return l, l.Forward.On, nil
		}
	}
	return Link{}, "", fmt.Errorf("%w: %s.%s", ErrUnknownLink, entity, label)
}

// CheckAttrs type-checks attrs for entity. With create set, every required
// attribute has to be present.
func (s Schema) CheckAttrs(entity string, attrs map[string]any, create bool) error {
	e, err := s.Entity(entity)
	if err != nil {
		return err
	}
	for name, v := range attrs {
		a, ok := e.Attr(name)
		if !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownAttribute, entity, name)
		}
		if !a.Type.accepts(v) {
			return fmt.Errorf("%w: %s.%s wants %s, got %T", ErrAttributeType, entity, name, a.Type, v)
		}
	}
	if !create {
		return nil
	}
	for _, a := range e.Attrs {
		if _, ok := attrs[a.Name]; a.Required && !ok {
			return fmt.Errorf("%w: %s.%s", ErrMissingAttribute, entity, a.Name)
		}
	}
	return nil
}

func (t ValueType) accepts(v any) bool {
	switch t {
	case String:
		_, ok := v.(string)
		return ok
	case Date:
		_, ok := v.(time.Time)
		return ok
	}
	return false
}
