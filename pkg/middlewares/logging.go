package middlewares

import (
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/jake-scott/nest-sdm/internal/pkg/logging"
)

// TxnIDHeader carries the transaction ID back to the caller
const TxnIDHeader = "X-Txn-ID"

// statusRecorder remembers what the handler wrote so the audit line can
// report it.  With dump set, headers and body chunks are logged at debug.
type statusRecorder struct {
	http.ResponseWriter

	logger      *logrus.Entry
	dump        bool
	status      int
	written     int
	headersSent bool
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.dump && !sr.headersSent {
		sr.logger.Debugf("response headers: %+v", sr.ResponseWriter.Header())
		sr.headersSent = true
	}

	n, err := sr.ResponseWriter.Write(b)
	sr.written += n

	if sr.dump && err == nil {
		sr.logger.Debugf("response chunk (%d bytes): %s", n, b[:n])
	}
	return n, err
}

// bodyDumper logs the request body as the handler reads it
type bodyDumper struct {
	io.ReadCloser
	logger *logrus.Entry
}

func (bd bodyDumper) Read(b []byte) (int, error) {
	n, err := bd.ReadCloser.Read(b)
	if n > 0 {
		bd.logger.Debugf("request chunk (%d bytes): %s", n, b[:n])
	}
	return n, err
}

// LoggingMw tags each request with a transaction ID and writes one audit
// line per request once the handler returns
type LoggingMw struct {
	dump bool
	next http.Handler
}

func NewLoggingMw(dump bool) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return NewLogging(dump, next)
	}
}

func NewLogging(dump bool, next http.Handler) *LoggingMw {
	return &LoggingMw{dump: dump, next: next}
}

func (mw *LoggingMw) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	txnID := uuid.New().String()

	w.Header().Set(TxnIDHeader, txnID)
	r = r.WithContext(logging.WithTxnID(r.Context(), txnID))
	logger := logging.Logger(r.Context())

	if mw.dump {
		logger.Debugf("request headers: %+v", r.Header)
		r.Body = bodyDumper{ReadCloser: r.Body, logger: logger}
	}

	rec := &statusRecorder{
		ResponseWriter: w,
		logger:         logger,
		dump:           mw.dump,
		status:         http.StatusOK,
	}
	mw.next.ServeHTTP(rec, r)

	logger.WithFields(auditFields(r, rec, start)).Info(http.StatusText(rec.status))
}

func auditFields(r *http.Request, rec *statusRecorder, start time.Time) logrus.Fields {
	return logrus.Fields{
		"entrytype": "audit",
		"method":    r.Method,
		"path":      r.URL.String(),
		"proto":     r.Proto,
		"host":      r.Host,
		"remote":    r.RemoteAddr,
		"status":    rec.status,
		"size":      rec.written,
		"start":     start.Format(time.RFC3339Nano),
		"duration":  time.Since(start),
	}
}
