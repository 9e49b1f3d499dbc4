package readable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const article = `<html><head><title>Example Domain</title></head><body>
<div><h1>Example Domain</h1>
<p>This domain is for use in illustrative examples in documents. You may use this
domain in literature without prior coordination or asking for permission.</p>
<p><a href="https://www.iana.org/domains/example">More information...</a></p>
</div></body></html>`

func TestExtractText(t *testing.T) {
	res, err := Extract(article, "https://example.com/", FormatText)
	require.NoError(t, err)
	assert.Equal(t, "Example Domain", res.Title)
	assert.Contains(t, res.Text, "illustrative examples")
	assert.NotContains(t, res.Text, "<p>")
}

func TestExtractMarkdown(t *testing.T) {
	res, err := Extract(article, "https://example.com/", FormatMarkdown)
	require.NoError(t, err)
	assert.Equal(t, "Example Domain", res.Title)
	assert.Contains(t, res.Text, "# Example Domain")
	assert.Contains(t, res.Text, "[More information...](https://www.iana.org/domains/example)")
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	f, err = ParseFormat("Markdown")
	require.NoError(t, err)
	assert.Equal(t, FormatMarkdown, f)

	_, err = ParseFormat("pdf")
	assert.Error(t, err)
}
