package schema

const (
	Posts = "posts"
	Users = "$users"

	AuthorLink = "author"
)

// App is the schema of the microblog.
var App = Schema{
	Entities: []Entity{
		{
			Name:  Posts,
			Table: "posts",
			Attrs: []Attr{
				{Name: "title", Type: String, Required: true, Column: "title"},
				{Name: "content", Type: String, Required: true, Column: "content"},
				{Name: "createdAt", Type: Date, Required: true, Indexed: true, Column: "created_at"},
			},
		},
		{
			Name:  Users,
			Table: "users",
			Attrs: []Attr{
				{Name: "email", Type: String, Required: true, Unique: true, Column: "email"},
			},
		},
	},
	Links: []Link{
		{
			Name:    "postsAuthor",
			Forward: LinkSide{On: Posts, Label: AuthorLink, Has: "one"},
			Reverse: LinkSide{On: Users, Label: "posts", Has: "many"},
		},
	},
}
