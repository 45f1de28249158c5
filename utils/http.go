// utils/http.go
package utils

import (
	"net/http"
	"time"
)

// HTTPClient is shared by the story generator, the archive bucket and the profile sync worker.
// Per-call deadlines come from contexts; this is only the outer bound.
var HTTPClient = &http.Client{
	Timeout: 120 * time.Second,
}
