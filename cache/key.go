package cache

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Key derives the cache key for a request from its method and path.
func Key(req *http.Request) string {
	return req.Method + " " + req.URL.Path
}

// Signature derives the vary signature of a request from the values
// of the declared vary-by headers and query parameters. Header names
// are canonicalized and the declared names are processed in sorted
// order, so equal declarations produce equal signatures regardless of
// declaration order.
func Signature(req *http.Request, varyHeaders, varyQuery []string) string {
	if len(varyHeaders) == 0 && len(varyQuery) == 0 {
		return ""
	}

	headers := make([]string, len(varyHeaders))
	copy(headers, varyHeaders)
	sort.Strings(headers)

	query := make([]string, len(varyQuery))
	copy(query, varyQuery)
	sort.Strings(query)

	var d xxhash.Digest
	q := req.URL.Query()

	for _, name := range headers {
		d.WriteString("h:")
		d.WriteString(strings.ToLower(name))
		d.WriteString("=")
		d.WriteString(strings.Join(req.Header.Values(name), ","))
		d.WriteString(";")
	}

	for _, name := range query {
		d.WriteString("q:")
		d.WriteString(name)
		d.WriteString("=")
		d.WriteString(strings.Join(q[name], ","))
		d.WriteString(";")
	}

	return strconv.FormatUint(d.Sum64(), 16)
}
