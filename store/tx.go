package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"microblog/schema"
)

var ErrReadOnly = errors.New("entity is managed by auth and cannot be written")

// Op is one step of a transaction. Ops are built from an EntityRef.
type Op interface {
	check(s schema.Schema) error
	apply(ctx context.Context, tx *sql.Tx, s schema.Schema) error
	String() string
}

// EntityRef addresses one entity by namespace and id, e.g. Posts(id).
type EntityRef struct {
	Entity string
	ID     string
}

func Posts(id string) EntityRef {
	return EntityRef{Entity: schema.Posts, ID: id}
}

// Update creates the entity or overwrites the given attributes.
func (r EntityRef) Update(attrs map[string]any) Op {
	return updateOp{ref: r, attrs: attrs}
}

// Link points r's label at the entity with id target.
func (r EntityRef) Link(label, target string) Op {
	return linkOp{ref: r, label: label, target: target}
}

func (r EntityRef) Delete() Op {
	return deleteOp{ref: r}
}

// linkTable maps a schema link onto the table that stores it.
type linkTable struct {
	table    string
	relation string
}

var linkTables = map[string]linkTable{
	"postsAuthor": {table: "users_posts", relation: "author"},
}

func writable(s schema.Schema, r EntityRef) (schema.Entity, error) {
	if r.ID == "" {
		return schema.Entity{}, fmt.Errorf("%s: empty id", r.Entity)
	}
	e, err := s.Entity(r.Entity)
	if err != nil {
		return schema.Entity{}, err
	}
	if strings.HasPrefix(e.Name, "$") {
		return schema.Entity{}, fmt.Errorf("%w: %s", ErrReadOnly, e.Name)
	}
	return e, nil
}

func exists(ctx context.Context, tx *sql.Tx, table, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = $1", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func columnValue(t schema.ValueType, v any) any {
	if t == schema.Date {
		return v.(time.Time).UnixNano()
	}
	return v
}

type updateOp struct {
	ref   EntityRef
	attrs map[string]any
}

func (o updateOp) String() string { return "update " + o.ref.Entity + "[" + o.ref.ID + "]" }

func (o updateOp) check(s schema.Schema) error {
	if _, err := writable(s, o.ref); err != nil {
		return err
	}
	return s.CheckAttrs(o.ref.Entity, o.attrs, false)
}

func (o updateOp) apply(ctx context.Context, tx *sql.Tx, s schema.Schema) error {
	e, _ := s.Entity(o.ref.Entity)
	found, err := exists(ctx, tx, e.Table, o.ref.ID)
	if err != nil {
		return err
	}
	if !found {
		if err := s.CheckAttrs(e.Name, o.attrs, true); err != nil {
			return err
		}
	}

	names := make([]string, 0, len(o.attrs))
	for name := range o.attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]string, 0, len(names))
	args := make([]any, 0, len(names)+1)
	for _, name := range names {
		a, _ := e.Attr(name)
		cols = append(cols, a.Column)
		args = append(args, columnValue(a.Type, o.attrs[name]))
	}

	if found {
		if len(cols) == 0 {
			return nil
		}
		sets := make([]string, len(cols))
		for i, c := range cols {
			sets[i] = fmt.Sprintf("%s = $%d", c, i+1)
		}
		args = append(args, o.ref.ID)
		q := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", e.Table, strings.Join(sets, ", "), len(args))
		_, err = tx.ExecContext(ctx, q, args...)
		return err
	}

	placeholders := make([]string, len(cols)+1)
	for i := range placeholders {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	q := fmt.Sprintf("INSERT INTO %s (id, %s) VALUES (%s)", e.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	_, err = tx.ExecContext(ctx, q, append([]any{o.ref.ID}, args...)...)
	return err
}

type linkOp struct {
	ref    EntityRef
	label  string
	target string
}

func (o linkOp) String() string {
	return "link " + o.ref.Entity + "[" + o.ref.ID + "]." + o.label
}

func (o linkOp) check(s schema.Schema) error {
	if _, err := writable(s, o.ref); err != nil {
		return err
	}
	link, _, err := s.LinkTarget(o.ref.Entity, o.label)
	if err != nil {
		return err
	}
	if _, ok := linkTables[link.Name]; !ok {
		return fmt.Errorf("link %s has no storage", link.Name)
	}
	if o.target == "" {
		return fmt.Errorf("%s: empty link target", o)
	}
	return nil
}

func (o linkOp) apply(ctx context.Context, tx *sql.Tx, s schema.Schema) error {
	link, targetName, _ := s.LinkTarget(o.ref.Entity, o.label)
	lt := linkTables[link.Name]

	from, _ := s.Entity(o.ref.Entity)
	target, err := s.Entity(targetName)
	if err != nil {
		return err
	}

	found, err := exists(ctx, tx, from.Table, o.ref.ID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s %s: %w", from.Name, o.ref.ID, ErrNotFound)
	}
	found, err = exists(ctx, tx, target.Table, o.target)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%s %s: %w", target.Name, o.target, ErrNotFound)
	}

	// author is has-one, so a new link replaces the old one
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM "+lt.table+" WHERE post_id = $1 AND relation_type = $2",
		o.ref.ID, lt.relation); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO "+lt.table+" (user_id, post_id, relation_type, created_at) VALUES ($1, $2, $3, $4)",
		o.target, o.ref.ID, lt.relation, time.Now().UTC().UnixNano())
	return err
}

type deleteOp struct {
	ref EntityRef
}

func (o deleteOp) String() string { return "delete " + o.ref.Entity + "[" + o.ref.ID + "]" }

func (o deleteOp) check(s schema.Schema) error {
	_, err := writable(s, o.ref)
	return err
}

func (o deleteOp) apply(ctx context.Context, tx *sql.Tx, s schema.Schema) error {
	e, _ := s.Entity(o.ref.Entity)
	for _, lt := range linkTables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+lt.table+" WHERE post_id = $1", o.ref.ID); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, "DELETE FROM "+e.Table+" WHERE id = $1", o.ref.ID)
	return err
}

// Transact applies ops atomically: readers see all of them or none.
func (s *DB) Transact(ctx context.Context, ops ...Op) error {
	if len(ops) == 0 {
		return nil
	}
	for _, op := range ops {
		if err := op.check(schema.App); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error in begin transaction: %w", err)
	}
	for _, op := range ops {
		if err := op.apply(ctx, tx, schema.App); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error in commit transaction: %w", err)
	}
	s.log.Debugf("transaction committed: %d ops", len(ops))

	s.changed(ctx)
	return nil
}
