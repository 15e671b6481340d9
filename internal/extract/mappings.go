package extract

import "github.com/FranksOps/instaharvest/internal/resource"

func path(p ...string) []string { return p }

func values(names ...string) []Field {
	out := make([]Field, 0, len(names))
	for _, n := range names {
		out = append(out, Field{Dest: n, Path: path(n)})
	}
	return out
}

func embedded(source, destPrefix string, names ...string) []Field {
	out := make([]Field, 0, len(names))
	for _, n := range names {
		out = append(out, Field{Dest: destPrefix + n, Path: path(source), Embedded: path(n)})
	}
	return out
}

func concat(groups ...[]Field) []Field {
	var out []Field
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// LocationMapping projects a location page.
var LocationMapping = Mapping{
	Root: path("entry_data", "LocationsPage", "0", "graphql", "location"),
	Fields: concat(
		values("name", "has_public_page", "slug", "blurb", "website", "phone", "primary_alias_on_fb"),
		[]Field{
			{Dest: "lat", Path: path("lat"), Kind: Number},
			{Dest: "lng", Path: path("lng"), Kind: Number},
		},
		embedded("address_json", "json_",
			"street_address", "zip_code", "city_name", "region_name", "country_code",
			"exact_city_match", "exact_region_match", "exact_country_match"),
		[]Field{
			{Dest: "country_id", Path: path("directory", "country", "id")},
			{Dest: "country_name", Path: path("directory", "country", "name")},
			{Dest: "country_slug", Path: path("directory", "country", "slug")},
			{Dest: "city_id", Path: path("directory", "city", "id")},
			{Dest: "city_name", Path: path("directory", "city", "name")},
			{Dest: "city_slug", Path: path("directory", "city", "slug")},
			{Dest: "media_count", Path: path("edge_location_to_media", "count")},
		},
	),
	Links: []Link{
		{Category: resource.Post, Items: path("edge_location_to_media", "edges"), Key: path("node", "shortcode")},
	},
}

// PostMapping projects a post page.
var PostMapping = Mapping{
	Root: path("entry_data", "PostPage", "0", "graphql", "shortcode_media"),
	Fields: concat(
		values("display_url", "accessibility_caption", "is_video", "should_log_client_event",
			"caption_is_edited", "has_ranked_comments", "comments_disabled", "taken_at_timestamp", "is_ad"),
		[]Field{
			{Dest: "id", Path: path("id"), Kind: Number},
			{Dest: "size_height", Path: path("dimensions", "height")},
			{Dest: "size_width", Path: path("dimensions", "width")},
			{Dest: "tagged_users", Path: path("edge_media_to_tagged_user", "edges"), Each: path("node", "user", "username"), Kind: Collect},
			{Dest: "tagged_users_count", Path: path("edge_media_to_tagged_user", "edges"), Each: path("node", "user", "username"), Kind: Count},
			{Dest: "caption", Path: path("edge_media_to_caption", "edges", "0", "node", "text")},
			{Dest: "comments_count", Path: path("edge_media_to_comment", "count")},
			{Dest: "comments_has_next_page", Path: path("edge_media_to_comment", "page_info", "has_next_page")},
			{Dest: "commenters", Path: path("edge_media_to_comment", "edges"), Each: path("node", "owner", "username"), Kind: Collect},
			{Dest: "commenters_count", Path: path("edge_media_to_comment", "edges"), Each: path("node", "owner", "username"), Kind: Count},
			{Dest: "owner", Path: path("owner", "username")},
			{Dest: "ownerid", Path: path("owner", "id"), Kind: Number},
			{Dest: "likes_count", Path: path("edge_media_preview_like", "count")},
			{Dest: "sponsor", Path: path("edge_media_to_sponsor_user", "edges", "0", "node", "sponsor", "username")},
			{Dest: "location_id", Path: path("location", "id"), Kind: Number},
			{Dest: "hashtags", Path: path("edge_media_to_caption", "edges"), Each: path("node", "text"), Kind: Tags, Marker: "#"},
			{Dest: "referenced_users", Path: path("edge_media_to_caption", "edges"), Each: path("node", "text"), Kind: Tags, Marker: "@"},
		},
	),
	Links: []Link{
		{Category: resource.Location, Key: path("location", "id")},
		{Category: resource.User, Key: path("owner", "username")},
	},
}

// UserMapping projects a profile page.
var UserMapping = Mapping{
	Root: path("entry_data", "ProfilePage", "0", "graphql", "user"),
	Fields: concat(
		values("biography", "business_category_name", "business_email", "business_phone_number",
			"connected_fb_page", "country_block", "external_url", "full_name", "has_channel",
			"highlight_reel_count", "is_business_account", "is_joined_recently", "is_private",
			"is_verified", "profile_pic_url_hd"),
		[]Field{{Dest: "id", Path: path("id"), Kind: Number}},
		embedded("business_address_json", "json_",
			"street_address", "zip_code", "city_name", "region_name", "country_code"),
		[]Field{
			{Dest: "follow_count", Path: path("edge_follow", "count")},
			{Dest: "followed_by_count", Path: path("edge_followed_by", "count")},
			{Dest: "posts_count", Path: path("edge_owner_to_timeline_media", "count")},
		},
	),
	Links: []Link{
		{Category: resource.Post, Items: path("edge_owner_to_timeline_media", "edges"), Key: path("node", "shortcode")},
	},
}

// DefaultMappings holds the mapping of every category.
var DefaultMappings = map[resource.Category]Mapping{
	resource.Location: LocationMapping,
	resource.Post:     PostMapping,
	resource.User:     UserMapping,
}
