package registrar

import (
	"errors"

	"github.com/basket/registrar/internal/rpc"
	"github.com/basket/registrar/internal/trust"
)

var (
	ErrAlreadyRegistered   = errors.New("session already registered")
	ErrInvalidSecret       = errors.New("invalid secret")
	ErrInvalidToken        = errors.New("token not found")
	ErrDenied              = errors.New("access denied")
	ErrNoInstanceAvailable = errors.New("no instance available to grant access")
	ErrNotPermitted        = errors.New("operation not permitted for this session")
	ErrRateLimited         = errors.New("too many token requests")
)

// Stable application error codes and kinds sent in JSON-RPC error objects.
const (
	CodeAlreadyRegistered   = 4090
	CodeInvalidSecret       = 4011
	CodeInvalidToken        = 4010
	CodeDenied              = 4030
	CodeNotPermitted        = 4031
	CodeRateLimited         = 4290
	CodeNoInstanceAvailable = 5030
	CodeMalformedTrustStore = 5001

	KindAlreadyRegistered   = "AlreadyRegistered"
	KindInvalidSecret       = "InvalidSecret"
	KindInvalidToken        = "InvalidToken"
	KindDenied              = "Denied"
	KindNoInstanceAvailable = "NoInstanceAvailable"
	KindNotPermitted        = "NotPermitted"
	KindRateLimited         = "RateLimited"
	KindMalformedTrustStore = "MalformedTrustStore"
)

var wireErrors = []struct {
	err  error
	code int
	kind string
}{
	{ErrAlreadyRegistered, CodeAlreadyRegistered, KindAlreadyRegistered},
	{ErrInvalidSecret, CodeInvalidSecret, KindInvalidSecret},
	{ErrInvalidToken, CodeInvalidToken, KindInvalidToken},
	{ErrDenied, CodeDenied, KindDenied},
	{ErrNoInstanceAvailable, CodeNoInstanceAvailable, KindNoInstanceAvailable},
	{ErrNotPermitted, CodeNotPermitted, KindNotPermitted},
	{ErrRateLimited, CodeRateLimited, KindRateLimited},
	{trust.ErrMalformed, CodeMalformedTrustStore, KindMalformedTrustStore},
}

// toWire converts a handler error into the error object the peer sees.
// Errors outside the taxonomy are passed through for the channel to report
// as internal errors.
func toWire(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	for _, w := range wireErrors {
		if errors.Is(err, w.err) {
			return rpc.NewError(w.code, w.kind, err.Error())
		}
	}
	return err
}

// FromWire maps an error received over the channel back to its sentinel so
// callers can use errors.Is. Unknown kinds are returned unchanged.
func FromWire(err error) error {
	kind := rpc.ErrorKind(err)
	if kind == "" {
		return err
	}
	for _, w := range wireErrors {
		if w.kind == kind {
			return errors.Join(w.err, err)
		}
	}
	return err
}
