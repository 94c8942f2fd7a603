package storage

// Table names of the marker schema.
const (
	TableUsers    = "users"
	TableTags     = "tags"
	TablePosts    = "posts"
	TableStats    = "stats"
	TableUserTags = "userTags"
)

// SchemaVersion is the current marker schema version.
const SchemaVersion = 2

// MarkerSchema returns the tables backing users, their activity and their tags.
func MarkerSchema() Schema {
	return Schema{
		Version: SchemaVersion,
		Tables: []Table{
			{
				Name: TableUsers,
				Columns: []Column{
					{Name: "username", Version: 1},
					{Name: "displayUsername", Version: 1},
					{Name: "profileName", Version: 1},
					{Name: "profileDescription", Version: 1},
					{Name: "created", Version: 1},
					{Name: "linkKarma", Version: 1},
					{Name: "commentKarma", Version: 1},
					{Name: "followers", Version: 1},
					{Name: "lastComment", Version: 1, Nullable: true},
					{Name: "lastLink", Version: 1, Nullable: true},
					{Name: "updated", Version: 1},
				},
			},
			{
				Name: TableTags,
				Columns: []Column{
					{Name: "id", Version: 1},
					{Name: "name", Version: 1},
					{Name: "color", Version: 1},
					{Name: "type", Version: 1},
					{Name: "settings", Version: 1},
					{Name: "updated", Version: 1},
				},
			},
			{
				Name: TablePosts,
				Columns: []Column{
					{Name: "id", Version: 1},
					{Name: "author", Version: 1, ForeignTable: TableUsers, CascadeDelete: true},
					{Name: "subreddit", Version: 1},
					{Name: "created", Version: 1},
					{Name: "score", Version: 1},
					{Name: "controversiality", Version: 1},
					{Name: "quarantine", Version: 1},
					{Name: "nsfw", Version: 1},
					{Name: "updated", Version: 1},
					{Name: "linkId", Version: 1, Nullable: true},
				},
			},
			{
				Name:       TableStats,
				PrimaryKey: []string{"username", "subreddit"},
				Columns: []Column{
					{Name: "username", Version: 1, ForeignTable: TableUsers, CascadeDelete: true},
					{Name: "subreddit", Version: 1},
					{Name: "subredditDisplay", Version: 2},
					{Name: "linkCount", Version: 1},
					{Name: "linkKarma", Version: 1},
					{Name: "commentCount", Version: 1},
					{Name: "commentKarma", Version: 1},
					{Name: "updated", Version: 1},
				},
			},
			{
				Name:       TableUserTags,
				PrimaryKey: []string{"username", "tagId"},
				Columns: []Column{
					{Name: "username", Version: 1, ForeignTable: TableUsers, CascadeDelete: true},
					{Name: "tagId", Version: 1, ForeignTable: TableTags, CascadeDelete: true},
					{Name: "tagData", Version: 1},
					{Name: "updated", Version: 1},
				},
			},
		},
	}
}

// MarkerMigrations returns the migrations that bring older stores to SchemaVersion.
func MarkerMigrations() map[int]Migration {
	return map[int]Migration{
		1: migrateFromV1,
	}
}

// migrateFromV1 fills the display name that version 1 stats rows lack.
func migrateFromV1(rows map[string][]Record) (map[string][]Record, error) {
	for _, r := range rows[TableStats] {
		if _, ok := r["subredditDisplay"]; !ok {
			r["subredditDisplay"] = r["subreddit"]
		}
	}
	return rows, nil
}
