package browser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCookies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies-finn.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"name":"session","value":"abc","domain":".finn.no","path":"/","expires":1893456000,"httpOnly":true,"secure":true,"sameSite":"Lax"},
		{"name":"","value":"skip","domain":".finn.no"},
		{"name":"pref","value":"nb","domain":"www.finn.no","sameSite":"no_restriction"}
	]`), 0644))

	cookies, err := LoadCookies(path)
	require.NoError(t, err)
	require.Len(t, cookies, 2)

	assert.Equal(t, "session", cookies[0].Name)
	assert.Equal(t, ".finn.no", *cookies[0].Domain)
	assert.Equal(t, 1893456000.0, *cookies[0].Expires)
	assert.True(t, *cookies[0].HttpOnly)
	assert.Equal(t, playwright.SameSiteAttributeLax, cookies[0].SameSite)

	assert.Equal(t, "/", *cookies[1].Path)
	assert.Nil(t, cookies[1].Expires)
	assert.Equal(t, playwright.SameSiteAttributeNone, cookies[1].SameSite)
}

func TestLoadCookies_Errors(t *testing.T) {
	_, err := LoadCookies(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0644))
	_, err = LoadCookies(path)
	assert.ErrorContains(t, err, "parse cookies")
}
