package runtime

import (
	"bytes"
	"net/http"

	"github.com/vinkius-labs/speedgate/internal/runtime/cache"
)

// responseRecorder buffers the application's response so the pipeline can
// decide on caching and compression before anything reaches the wire.
type responseRecorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header), status: http.StatusOK}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	return r.body.Write(p)
}

func (r *responseRecorder) captured() cache.CapturedResponse {
	return cache.CapturedResponse{
		Status:  r.status,
		Headers: r.header,
		Body:    r.body.Bytes(),
	}
}
