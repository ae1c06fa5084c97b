package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hel\x00lo", 10, "hello"},
		{"", 10, ""},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestIsValidSiteURL(t *testing.T) {
	tests := []struct {
		url   string
		valid bool
	}{
		{"https://example.com", true},
		{"http://blog.example.com/path", true},
		{"ftp://example.com", false},
		{"example.com", false},
		{"https://", false},
		{"", false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidSiteURL(tc.url), tc.url)
	}
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "https://example.com", NormalizeURL("HTTPS://Example.COM/"))
	assert.Equal(t, "https://example.com/blog", NormalizeURL(" https://example.com/blog/ "))
	assert.Equal(t, "https://example.com/Blog", NormalizeURL("https://example.com/Blog#top"))
}

type siteRequest struct {
	SiteName string `json:"siteName" validate:"required,max=200"`
	SiteURL  string `json:"siteUrl" validate:"required,siteurl"`
	Platform string `json:"platform" validate:"omitempty,oneof=wordpress custom"`
	Email    string `json:"email" validate:"omitempty,email"`
}

func TestStruct(t *testing.T) {
	require.NoError(t, Struct(siteRequest{SiteName: "Blog", SiteURL: "https://blog.example.com"}))

	err := Struct(siteRequest{SiteURL: "not a url", Platform: "drupal", Email: "nope"})
	require.Error(t, err)
	verrs, ok := err.(ValidationErrors)
	require.True(t, ok)

	fields := map[string]string{}
	for _, v := range verrs {
		fields[v.Field] = v.Message
	}
	assert.Equal(t, "is required", fields["siteName"])
	assert.Equal(t, "must be an absolute http(s) URL", fields["siteUrl"])
	assert.Contains(t, fields["platform"], "wordpress custom")
	assert.Equal(t, "must be a valid email address", fields["email"])
}

func TestValidate_Helpers(t *testing.T) {
	errs := Validate(
		Required("name", " "),
		MaxLength("bio", "abcdef", 3),
		OneOf("status", "paused", "active", "paused"),
	)
	require.Len(t, errs, 2)
	assert.Equal(t, "name", errs[0].Field)
	assert.Equal(t, "bio", errs[1].Field)
	assert.Equal(t, "name: is required", errs.Error())
}
