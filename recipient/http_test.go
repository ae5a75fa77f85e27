package recipient_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/recipientcache/recipient"
	"github.com/c360/recipientcache/testutil"
)

func TestHTTPHandler(t *testing.T) {
	f := newFixture(t, withoutBackground())
	id := f.put(t, recipient.Record{EncodedID: "U:1", Name: "Kim"})
	srv := httptest.NewServer(recipient.NewHTTPHandler(f.cache, nil))
	t.Cleanup(srv.Close)

	get := func(path string) (int, map[string]any) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	status, body := get("/encoded/U:1")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Kim", body["name"])
	assert.EqualValues(t, id, body["id"])
	assert.Equal(t, false, body["resolving"])

	status, _ = get("/canonical/" + id.String() + "?refresh=true")
	assert.Equal(t, http.StatusOK, status)

	status, body = get("/numeric/404404")
	assert.Equal(t, http.StatusNotFound, status)
	assert.EqualValues(t, 3, body["kind"], "unknown sentinel")

	status, body = get("/email/a@b")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.NotEmpty(t, body["error"])

	status, body = get("/self")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "fatal", body["class"])

	f.store.FailNext(testutil.OpGetEncoded, 1, nil)
	status, body = get("/encoded/U:2")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "transient", body["class"])

	status, body = get("/stats")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "canonical")
}
