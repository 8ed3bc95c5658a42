package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	gatewaypb "github.com/hyperledger/fabric-protos-go-apiv2/gateway"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is the closed set of classified ledger error categories. Callers
// branch on kinds, never on error message text.
type Kind int

const (
	KindUnknown Kind = iota
	KindIdentityNotFound
	KindConnectionFailed
	KindChannelNotFound
	KindChaincodeNotFound
	KindEndorsementFailure
	KindCommitTimeout
	KindMVCCConflict
	KindPeerUnavailable
	KindChaincodeLogic
	KindValidation
)

var kindNames = map[Kind]string{
	KindUnknown:            "Unknown",
	KindIdentityNotFound:   "IdentityNotFound",
	KindConnectionFailed:   "ConnectionFailed",
	KindChannelNotFound:    "ChannelNotFound",
	KindChaincodeNotFound:  "ChaincodeNotFound",
	KindEndorsementFailure: "EndorsementFailure",
	KindCommitTimeout:      "CommitTimeout",
	KindMVCCConflict:       "MVCCConflict",
	KindPeerUnavailable:    "PeerUnavailable",
	KindChaincodeLogic:     "ChaincodeLogicError",
	KindValidation:         "ValidationError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Retryable reports whether the core may retry this kind automatically:
// an MVCC collision is safe after a fresh read, and an unavailable peer is
// safe against an alternate peer. Everything else needs the caller.
func (k Kind) Retryable() bool {
	return k == KindMVCCConflict || k == KindPeerUnavailable
}

// Error is a classified ledger error.
type Error struct {
	Kind          Kind
	TransactionID string
	Err           error
}

func (e *Error) Error() string {
	if e.TransactionID != "" {
		return fmt.Sprintf("%s (transaction %s): %v", e.Kind, e.TransactionID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a classified error from a format string, used for failures
// originating in this layer rather than the network.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func wrap(kind Kind, transactionID string, err error) *Error {
	return &Error{Kind: kind, TransactionID: transactionID, Err: err}
}

// KindOf extracts the classified kind from an error chain, KindUnknown for
// foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// classifySubmit maps errors from the endorse/submit/commit flow onto the
// taxonomy. The fabric-gateway client reports each phase with its own error
// type, which carries the gRPC status and transaction id.
func classifySubmit(err error) error {
	if err == nil {
		return nil
	}
	if alreadyClassified(err) {
		return err
	}

	var endorseErr *client.EndorseError
	var submitErr *client.SubmitError
	var commitStatusErr *client.CommitStatusError
	var commitErr *client.CommitError

	switch {
	case errors.As(err, &endorseErr):
		return wrap(classifyEndorse(endorseErr), endorseErr.TransactionID, err)

	case errors.As(err, &submitErr):
		kind := KindConnectionFailed
		if status.Code(submitErr) == codes.Unavailable {
			kind = KindPeerUnavailable
		}
		return wrap(kind, submitErr.TransactionID, err)

	case errors.As(err, &commitStatusErr):
		kind := KindConnectionFailed
		if errors.Is(err, context.DeadlineExceeded) || status.Code(commitStatusErr) == codes.DeadlineExceeded {
			// The commit wait expired. The transaction may still commit;
			// callers must re-query ledger state, not resubmit.
			kind = KindCommitTimeout
		}
		return wrap(kind, commitStatusErr.TransactionID, err)

	case errors.As(err, &commitErr):
		return wrap(classifyValidationCode(commitErr.Code), commitErr.TransactionID, err)
	}

	return wrap(classifyStatus(err, true), "", err)
}

// classifyEvaluate maps errors from a read-only evaluate call.
func classifyEvaluate(err error) error {
	if err == nil {
		return nil
	}
	if alreadyClassified(err) {
		return err
	}
	return wrap(classifyStatus(err, false), "", err)
}

// classifyConnect maps the terminal error of a failed connect attempt.
func classifyConnect(err error) error {
	if err == nil {
		return nil
	}
	if alreadyClassified(err) {
		return err
	}

	msg := strings.ToLower(err.Error())
	if channelMissing(msg) {
		return wrap(KindChannelNotFound, "", err)
	}
	if chaincodeMissing(msg) {
		return wrap(KindChaincodeNotFound, "", err)
	}
	return wrap(KindConnectionFailed, "", err)
}

func alreadyClassified(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

func classifyEndorse(e *client.EndorseError) Kind {
	msg := strings.ToLower(e.Error())
	for _, detail := range errorDetails(e) {
		msg += " " + strings.ToLower(detail)
	}

	switch {
	case status.Code(e) == codes.Unavailable:
		return KindPeerUnavailable
	case chaincodeMissing(msg):
		return KindChaincodeNotFound
	case channelMissing(msg):
		return KindChannelNotFound
	case strings.Contains(msg, "endorsement policy") || strings.Contains(msg, "signature set did not satisfy"):
		return KindEndorsementFailure
	case strings.Contains(msg, "mvcc"):
		return KindMVCCConflict
	default:
		// An endorse failure that is not infrastructure is the chaincode
		// itself rejecting the proposal.
		return KindChaincodeLogic
	}
}

// classifyValidationCode maps the validation code of a transaction that was
// committed to a block but flagged invalid.
func classifyValidationCode(code peer.TxValidationCode) Kind {
	switch code {
	case peer.TxValidationCode_MVCC_READ_CONFLICT, peer.TxValidationCode_PHANTOM_READ_CONFLICT:
		return KindMVCCConflict
	case peer.TxValidationCode_ENDORSEMENT_POLICY_FAILURE:
		return KindEndorsementFailure
	default:
		return KindUnknown
	}
}

// classifyStatus is the fallback for plain gRPC status errors. submitPhase
// disambiguates deadline expiry: waiting out a commit is ambiguous, while an
// evaluate timeout just means the peer did not answer.
func classifyStatus(err error, submitPhase bool) Kind {
	msg := strings.ToLower(err.Error())
	code := status.Code(err)

	switch {
	case chaincodeMissing(msg):
		return KindChaincodeNotFound
	case channelMissing(msg):
		return KindChannelNotFound
	case strings.Contains(msg, "mvcc"):
		return KindMVCCConflict
	case code == codes.Unavailable:
		return KindPeerUnavailable
	case code == codes.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded):
		if submitPhase {
			return KindCommitTimeout
		}
		return KindPeerUnavailable
	case code == codes.Unknown, code == codes.Aborted, code == codes.InvalidArgument, code == codes.FailedPrecondition:
		if !submitPhase {
			// Evaluate reached the chaincode and the chaincode said no.
			return KindChaincodeLogic
		}
		return KindUnknown
	case code == codes.PermissionDenied:
		return KindConnectionFailed
	default:
		return KindUnknown
	}
}

// isAccessDenied reports whether a connect probe was rejected by access
// control rather than failing to reach the peer. This is the condition that
// triggers the static-endpoint fallback.
func isAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	if status.Code(err) == codes.PermissionDenied {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "access denied") || strings.Contains(msg, "access control")
}

func chaincodeMissing(msg string) bool {
	if !strings.Contains(msg, "chaincode") {
		return false
	}
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "not installed") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "successfully defined")
}

func channelMissing(msg string) bool {
	if strings.Contains(msg, "invalid chain id") {
		return true
	}
	if !strings.Contains(msg, "channel") {
		return false
	}
	return strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist")
}

// errorDetails collects the per-peer detail messages a gateway status error
// may carry.
func errorDetails(err error) []string {
	var details []string
	for _, detail := range status.Convert(err).Details() {
		if d, ok := detail.(*gatewaypb.ErrorDetail); ok {
			details = append(details, fmt.Sprintf("%s (%s): %s", d.GetAddress(), d.GetMspId(), d.GetMessage()))
		}
	}
	return details
}
