package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	gatewaypb "github.com/hyperledger/fabric-protos-go-apiv2/gateway"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
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
		KindUnknown:            "Unknown",
		Kind(99):               "Unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestRetryable(t *testing.T) {
	for kind := KindUnknown; kind <= KindValidation; kind++ {
		want := kind == KindMVCCConflict || kind == KindPeerUnavailable
		if got := kind.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", kind, got, want)
		}
	}
}

func TestKindOf(t *testing.T) {
	err := Errorf(KindMVCCConflict, "read conflict on asset1")
	if got := KindOf(err); got != KindMVCCConflict {
		t.Errorf("KindOf(classified) = %s, want MVCCConflict", got)
	}
	wrapped := fmt.Errorf("submitting: %w", err)
	if got := KindOf(wrapped); got != KindMVCCConflict {
		t.Errorf("KindOf(wrapped) = %s, want MVCCConflict", got)
	}
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("KindOf(plain) = %s, want Unknown", got)
	}
	if got := KindOf(nil); got != KindUnknown {
		t.Errorf("KindOf(nil) = %s, want Unknown", got)
	}
}

func TestErrorFormat(t *testing.T) {
	err := wrap(KindCommitTimeout, "abc123", errors.New("deadline exceeded"))
	msg := err.Error()
	if !strings.Contains(msg, "CommitTimeout") || !strings.Contains(msg, "abc123") {
		t.Errorf("unexpected error text %q", msg)
	}

	noTx := Errorf(KindValidation, "assetId is required")
	if !strings.Contains(noTx.Error(), "ValidationError") {
		t.Errorf("unexpected error text %q", noTx.Error())
	}
}

func TestClassifyEvaluate(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"peer down", status.Error(codes.Unavailable, "connection refused"), KindPeerUnavailable},
		{"deadline", status.Error(codes.DeadlineExceeded, "context deadline exceeded"), KindPeerUnavailable},
		{"chaincode missing", status.Error(codes.Unknown, "chaincode healthlink not found on channel"), KindChaincodeNotFound},
		{"chaincode not installed", status.Error(codes.Unknown, "chaincode healthlink is not installed"), KindChaincodeNotFound},
		{"channel missing", status.Error(codes.NotFound, `channel "nope" not found`), KindChannelNotFound},
		{"invalid chain id", status.Error(codes.Unknown, "access denied: channel [nope] creator org [Org1MSP] invalid chain id"), KindChannelNotFound},
		{"mvcc", errors.New("error validating read set: mvcc read conflict"), KindMVCCConflict},
		{"chaincode said no", status.Error(codes.Unknown, "record PAT-404 does not exist"), KindChaincodeLogic},
		{"access denied", status.Error(codes.PermissionDenied, "access denied"), KindConnectionFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyEvaluate(tc.err)
			if KindOf(got) != tc.want {
				t.Errorf("classifyEvaluate(%v) = %s, want %s", tc.err, KindOf(got), tc.want)
			}
			if !errors.Is(got, tc.err) {
				t.Errorf("classified error does not wrap the original")
			}
		})
	}

	if classifyEvaluate(nil) != nil {
		t.Error("classifyEvaluate(nil) should be nil")
	}
}

func TestClassifySubmitDeadline(t *testing.T) {
	err := fmt.Errorf("waiting for commit: %w", context.DeadlineExceeded)
	if got := KindOf(classifySubmit(err)); got != KindCommitTimeout {
		t.Errorf("submit deadline classified as %s, want CommitTimeout", got)
	}
	// The same expiry on a read just means the peer never answered.
	if got := KindOf(classifyEvaluate(err)); got != KindPeerUnavailable {
		t.Errorf("evaluate deadline classified as %s, want PeerUnavailable", got)
	}
}

func TestClassifySubmitCommitError(t *testing.T) {
	cases := []struct {
		code peer.TxValidationCode
		want Kind
	}{
		{peer.TxValidationCode_MVCC_READ_CONFLICT, KindMVCCConflict},
		{peer.TxValidationCode_PHANTOM_READ_CONFLICT, KindMVCCConflict},
		{peer.TxValidationCode_ENDORSEMENT_POLICY_FAILURE, KindEndorsementFailure},
		{peer.TxValidationCode_BAD_PAYLOAD, KindUnknown},
	}
	for _, tc := range cases {
		commitErr := &client.CommitError{TransactionID: "tx42", Code: tc.code}
		classified := classifySubmit(fmt.Errorf("commit: %w", commitErr))
		if got := KindOf(classified); got != tc.want {
			t.Errorf("validation code %v classified as %s, want %s", tc.code, got, tc.want)
		}
		var e *Error
		if !errors.As(classified, &e) || e.TransactionID != "tx42" {
			t.Errorf("transaction id lost for code %v", tc.code)
		}
	}
}

func TestClassifyConnect(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"channel missing", errors.New(`channel "healthchannel" does not exist`), KindChannelNotFound},
		{"chaincode missing", errors.New("chaincode healthlink is not installed on peer"), KindChaincodeNotFound},
		{"refused", errors.New("connection refused"), KindConnectionFailed},
		{"dns", status.Error(codes.Unavailable, "name resolver error"), KindConnectionFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(classifyConnect(tc.err)); got != tc.want {
				t.Errorf("classifyConnect = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestClassifyPassesThroughClassified(t *testing.T) {
	original := Errorf(KindValidation, "bad argument")
	for _, got := range []error{classifyEvaluate(original), classifySubmit(original), classifyConnect(original)} {
		if got != error(original) {
			t.Errorf("classified error was rewrapped: %v", got)
		}
	}
}

func TestIsAccessDenied(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{status.Error(codes.PermissionDenied, "forbidden"), true},
		{errors.New("access denied for identity appUser"), true},
		{errors.New("failed constructing descriptor: access control check failed"), true},
		{errors.New("connection refused"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := isAccessDenied(tc.err); got != tc.want {
			t.Errorf("isAccessDenied(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestErrorDetails(t *testing.T) {
	st, err := status.New(codes.Aborted, "endorse failed").WithDetails(&gatewaypb.ErrorDetail{
		Address: "peer0.org1:7051",
		MspId:   "Org1MSP",
		Message: "chaincode healthlink is not installed",
	})
	if err != nil {
		t.Fatal(err)
	}

	details := errorDetails(st.Err())
	if len(details) != 1 {
		t.Fatalf("got %d details, want 1", len(details))
	}
	if !strings.Contains(details[0], "peer0.org1:7051") || !strings.Contains(details[0], "Org1MSP") {
		t.Errorf("unexpected detail %q", details[0])
	}
}
