package resilience

// Class is the three-way error taxonomy the migration engine uses to decide
// whether a failure is retried locally, surfaced to the user, or treated as
// an unrecoverable integrity violation.
type Class string

const (
	// Transient errors are recovered locally by retry: network timeouts,
	// 5xx responses, tee backpressure recovery, single-chunk failures.
	Transient Class = "transient"

	// Terminal errors are user-actionable and halt the migration: expired
	// source session, activated target account, password mismatch on the
	// account-exists branch, unrecoverable refresh failure, persistent
	// backpressure, missing target PDS DID in describe.
	Terminal Class = "terminal"

	// Integrity errors are always terminal and indicate a data-integrity
	// check failed (e.g. CID mismatch). A failed chunk never corrupts
	// downstream state: the store entry is left unfinalized and the
	// target upload is never invoked.
	Integrity Class = "integrity"
)

// Classifiable is implemented by errors that know their own taxonomy class,
// letting call sites override the default inference in Classify.
type Classifiable interface {
	error
	Class() Class
}

// Classify determines the taxonomy class of err. Errors implementing
// Classifiable are trusted directly. Everything else is classified by the
// same network/timeout heuristics the retry metrics use for labeling
// (classifyError): timeouts, DNS, network, and rate-limit errors are
// Transient; everything unrecognized defaults to Terminal, since an
// unrecognized failure should halt the migration rather than retry
// indefinitely against an error it does not understand.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	if c, ok := err.(Classifiable); ok {
		return c.Class()
	}
	switch classifyError(err) {
	case "timeout", "network", "rate_limit", "dns", "context_deadline":
		return Transient
	default:
		return Terminal
	}
}

// classifiedError wraps an error with an explicit taxonomy class.
type classifiedError struct {
	err   error
	class Class
}

// WithClass annotates err with an explicit Class for Classify to recognize.
func WithClass(err error, class Class) error {
	if err == nil {
		return nil
	}
	return &classifiedError{err: err, class: class}
}

func (c *classifiedError) Error() string { return c.err.Error() }
func (c *classifiedError) Unwrap() error { return c.err }
func (c *classifiedError) Class() Class  { return c.class }
