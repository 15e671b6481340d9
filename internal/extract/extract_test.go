package extract

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/FranksOps/instaharvest/internal/blob"
	"github.com/FranksOps/instaharvest/internal/db/records"
	"github.com/FranksOps/instaharvest/internal/payload"
	"github.com/FranksOps/instaharvest/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const postJSON = `{"entry_data":{"PostPage":[{"graphql":{"shortcode_media":{
	"id":"2045",
	"display_url":"https://cdn.example/p/a.jpg",
	"accessibility_caption":"",
	"is_video":false,
	"taken_at_timestamp":1554000000,
	"dimensions":{"height":1080,"width":1350},
	"edge_media_to_tagged_user":{"edges":[
		{"node":{"user":{"username":"bob"}}},
		{"node":{"user":{"username":"bob"}}},
		{"node":{"user":{"username":"carol"}}}
	]},
	"edge_media_to_caption":{"edges":[{"node":{"text":"Lake day #zurich#swiss with @bob."}}]},
	"edge_media_to_comment":{"count":2,"page_info":{"has_next_page":false},"edges":[]},
	"owner":{"id":"77","username":"alice"},
	"edge_media_preview_like":{"count":12345678901234567890},
	"edge_media_to_sponsor_user":{"edges":[]},
	"location":{"id":"213385402","name":"Zurich"}
}}}]}}`

func decode(t *testing.T, text string) any {
	t.Helper()
	doc, err := payload.Decode(text)
	require.NoError(t, err)
	return doc
}

func TestProject_Post(t *testing.T) {
	p, err := Project(decode(t, postJSON), PostMapping)
	require.NoError(t, err)

	f := p.Fields
	assert.Equal(t, json.Number("2045"), f["id"])
	assert.Equal(t, "https://cdn.example/p/a.jpg", f["display_url"])
	assert.NotContains(t, f, "accessibility_caption", "empty strings are skipped")
	assert.Equal(t, false, f["is_video"])
	assert.Equal(t, json.Number("1080"), f["size_height"])
	assert.Equal(t, []any{"bob", "carol"}, f["tagged_users"])
	assert.Equal(t, json.Number("2"), f["tagged_users_count"])
	assert.NotContains(t, f, "commenters")
	assert.Equal(t, json.Number("0"), f["commenters_count"])
	assert.Equal(t, json.Number("77"), f["ownerid"])
	assert.Equal(t, json.Number("12345678901234567890"), f["likes_count"], "numbers keep full precision")
	assert.NotContains(t, f, "sponsor")
	assert.Equal(t, []any{"zurich", "swiss"}, f["hashtags"])
	assert.Equal(t, []any{"bob"}, f["referenced_users"])

	assert.Equal(t, []string{"213385402"}, p.Links[resource.Location])
	assert.Equal(t, []string{"alice"}, p.Links[resource.User])
}

func TestProject_MissingRoot(t *testing.T) {
	_, err := Project(decode(t, `{"entry_data":{}}`), UserMapping)
	assert.ErrorIs(t, err, ErrUnexpectedShape)
}

func TestProject_EmbeddedJSON(t *testing.T) {
	doc := decode(t, `{"entry_data":{"LocationsPage":[{"graphql":{"location":{
		"name":"Zurich",
		"lat":47.3769,
		"lng":null,
		"address_json":"{\"street_address\":\"\",\"city_name\":\"Zurich\",\"zip_code\":\"8001\"}",
		"edge_location_to_media":{"count":3,"edges":[{"node":{"shortcode":"A"}},{"node":{"shortcode":"B"}}]}
	}}}]}}`)

	p, err := Project(doc, LocationMapping)
	require.NoError(t, err)
	assert.Equal(t, json.Number("47.3769"), p.Fields["lat"])
	assert.NotContains(t, p.Fields, "lng")
	assert.Equal(t, "Zurich", p.Fields["json_city_name"])
	assert.Equal(t, "8001", p.Fields["json_zip_code"])
	assert.NotContains(t, p.Fields, "json_street_address")
	assert.NotContains(t, p.Fields, "country_id")
	assert.Equal(t, []string{"A", "B"}, p.Links[resource.Post])
}

func TestTagsIn(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, tagsIn("x#a#b", "#"))
	assert.Equal(t, []string{"one", "two"}, tagsIn("#one, and #two! #one", "#"))
	assert.Nil(t, tagsIn("no tags here", "#"))
}

func TestExtractor_Extract(t *testing.T) {
	ctx := context.Background()
	tables := records.NewMemoryTables()
	store := blob.NewLocalStore(t.TempDir())
	captured := time.Unix(1554100000, 0).UTC()
	now := time.Unix(1554200000, 0).UTC()

	env := payload.Envelope{CapturedAt: captured, Text: postJSON}
	_, err := store.Put(ctx, resource.Post.PayloadPath("Bx1"), "application/json", env.Encode())
	require.NoError(t, err)

	posts := tables[resource.Post].(*records.MemoryTable)
	require.NoError(t, posts.MarkRetrieved(ctx, "Bx1", captured))
	// alice is already known
	_, err = tables[resource.User].PutIfAbsent(ctx, "alice", time.Unix(1, 0))
	require.NoError(t, err)

	x, err := New(Config{Tables: tables, Payloads: store, Now: func() time.Time { return now }})
	require.NoError(t, err)

	res, err := x.Extract(ctx, resource.Post, "Bx1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Linked)
	assert.Equal(t, 1, res.Discovered)

	rec, err := posts.Get(ctx, "Bx1")
	require.NoError(t, err)
	assert.Equal(t, now, rec.ProcessedAt)
	assert.Equal(t, "alice", posts.Fields("Bx1")["owner"])

	loc, err := tables[resource.Location].Get(ctx, "213385402")
	require.NoError(t, err)
	assert.Equal(t, captured, loc.DiscoveredAt)

	user, err := tables[resource.User].Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1, 0).UTC(), user.DiscoveredAt, "existing record untouched")
}

func TestExtractor_DeletedRecord(t *testing.T) {
	ctx := context.Background()
	tables := records.NewMemoryTables()
	store := blob.NewLocalStore(t.TempDir())

	env := payload.Envelope{CapturedAt: time.Unix(5, 0), Text: postJSON}
	_, err := store.Put(ctx, resource.Post.PayloadPath("Bx1"), "application/json", env.Encode())
	require.NoError(t, err)
	require.NoError(t, tables[resource.Post].MarkDeleted(ctx, "Bx1"))

	x, err := New(Config{Tables: tables, Payloads: store})
	require.NoError(t, err)
	_, err = x.Extract(ctx, resource.Post, "Bx1")
	assert.ErrorIs(t, err, records.ErrDeleted)
}
