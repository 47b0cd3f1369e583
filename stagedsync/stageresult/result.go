// Package stageresult defines the stage error taxonomy every stage's
// Forward/Unwind/Prune reports through: a fixed set of named outcomes,
// ported from Silkworm's StageResult enum (original_source) into the
// idiomatic Go shape the teacher itself uses elsewhere — typed sentinel
// errors checked with errors.Is, not panics or raw strings.
package stageresult

import "errors"

// Ordinal is one of the fixed stage outcomes.
type Ordinal int

const (
	Success Ordinal = iota
	UnknownChainID
	UnknownConsensusEngine
	BadBlockHash
	BadChainSequence
	InvalidRange
	InvalidProgress
	InvalidBlock
	InvalidTransaction
	MissingSenders
	DecodingError
	UnexpectedError
	UnknownError
	DBError
	Aborted
	NotImplemented
)

func (o Ordinal) String() string {
	switch o {
	case Success:
		return "success"
	case UnknownChainID:
		return "unknown_chain_id"
	case UnknownConsensusEngine:
		return "unknown_consensus_engine"
	case BadBlockHash:
		return "bad_block_hash"
	case BadChainSequence:
		return "bad_chain_sequence"
	case InvalidRange:
		return "invalid_range"
	case InvalidProgress:
		return "invalid_progress"
	case InvalidBlock:
		return "invalid_block"
	case InvalidTransaction:
		return "invalid_transaction"
	case MissingSenders:
		return "missing_senders"
	case DecodingError:
		return "decoding_error"
	case UnexpectedError:
		return "unexpected_error"
	case UnknownError:
		return "unknown_error"
	case DBError:
		return "db_error"
	case Aborted:
		return "aborted"
	case NotImplemented:
		return "not_implemented"
	default:
		return "unknown_error"
	}
}

// Error wraps an Ordinal with the underlying cause that produced it, the
// way Silkworm's StageError carries both a result code and a message.
type Error struct {
	Ordinal Ordinal
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Ordinal.String()
	}
	return e.Ordinal.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause as ordinal. If cause is nil, the Ordinal's own name is
// used as the message.
func New(ordinal Ordinal, cause error) error {
	if ordinal == Success {
		return nil
	}
	return &Error{Ordinal: ordinal, Cause: cause}
}

// As reports the Ordinal of err if it (or something it wraps) is an *Error,
// and UnknownError/false otherwise.
func As(err error) (Ordinal, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Ordinal, true
	}
	return UnknownError, false
}

// Sentinel errors for the outcomes a caller commonly branches on directly.
var (
	ErrDB                 = New(DBError, errors.New("kv operation failed"))
	ErrUnexpected         = New(UnexpectedError, errors.New("unrecognized panic recovered"))
	ErrBadChainSequence   = New(BadChainSequence, errors.New("input is not in expected chain order"))
	ErrBadBlockHash       = New(BadBlockHash, errors.New("block hash has the wrong length"))
	ErrInvalidTransaction = New(InvalidTransaction, errors.New("transaction failed to validate"))
	ErrMissingSenders     = New(MissingSenders, errors.New("required block body is missing"))
)
