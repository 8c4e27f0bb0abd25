package log

// Common field names for structured logging
const (
	FieldComponent    = "component"
	FieldRequestID    = "request_id"
	FieldSubmissionID = "submission_id"
	FieldClientIP     = "client_ip"
	FieldMethod       = "method"
	FieldPath         = "path"
	FieldStatusCode   = "status_code"
	FieldDuration     = "duration_ms"
	FieldError        = "error"
	FieldOperation    = "operation"
	FieldSender       = "sender"
	FieldPeriod       = "period"
	FieldFingerprint  = "fingerprint"
	FieldOutcome      = "outcome"
	FieldAmount       = "amount"
	FieldTotal        = "total"
	FieldImageRef     = "image_ref"
	FieldBackend      = "backend"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentPipeline  = "pipeline"
	ComponentStorage   = "storage"
	ComponentAMQP      = "amqp"
	ComponentKafka     = "kafka"
	ComponentWorker    = "worker"
	ComponentJanitor   = "janitor"
	ComponentOCR       = "ocr"
	ComponentFetch     = "fetch"
	ComponentCache     = "cache"
	ComponentRateLimit = "rate_limit"
	ComponentTrace     = "trace"
	ComponentBackend   = "backend"
	ComponentSheets    = "sheets"
)

// Operations defines standard operation names
const (
	OpClaim      = "claim"
	OpSettle     = "settle"
	OpAccumulate = "accumulate"
	OpRead       = "read"
	OpAudit      = "audit"
	OpRelease    = "release"
	OpPublish    = "publish"
	OpShutdown   = "shutdown"
	OpStartup    = "startup"
)

// Fields is a small builder for structured log attributes.
type Fields map[string]any

func NewFields() Fields {
	return make(Fields)
}

func (f Fields) WithComponent(component string) Fields {
	f[FieldComponent] = component
	return f
}

func (f Fields) WithOperation(op string) Fields {
	f[FieldOperation] = op
	return f
}

func (f Fields) WithError(err error) Fields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

// WithSubmission adds the identifying fields of an ingestion attempt.
func (f Fields) WithSubmission(id, sender, period string) Fields {
	f[FieldSubmissionID] = id
	f[FieldSender] = sender
	if period != "" {
		f[FieldPeriod] = period
	}
	return f
}

func (f Fields) WithHTTPRequest(method, path, clientIP string) Fields {
	f[FieldMethod] = method
	f[FieldPath] = path
	f[FieldClientIP] = clientIP
	return f
}

func (f Fields) WithHTTPResponse(statusCode int, durationMs int64) Fields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	return f
}

// ToSlice converts Fields to slog key/value pairs.
func (f Fields) ToSlice() []any {
	out := make([]any, 0, len(f)*2)
	for k, v := range f {
		out = append(out, k, v)
	}
	return out
}
