package xerror_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/homatransport/homa/internal/xerror"
)

func TestUnwrapPassesThroughOnNil(t *testing.T) {
	require.Equal(t, 42, xerror.Unwrap(42, nil))
}

func TestUnwrapPanicsOnError(t *testing.T) {
	require.Panics(t, func() {
		xerror.Unwrap(0, errors.New("broken invariant"))
	})
}

func TestCodeMapsSentinels(t *testing.T) {
	require.Equal(t, int32(0), xerror.Code(nil))
	require.Equal(t, int32(-11), xerror.Code(xerror.ErrAgain))
	require.Equal(t, int32(-22), xerror.Code(xerror.ErrInval))
	require.Equal(t, int32(-108), xerror.Code(xerror.ErrShutdown))
	require.Equal(t, int32(0), xerror.Code(errors.New("unrelated")))
}

func TestCodeRecognizesWrappedSentinels(t *testing.T) {
	wrapped := fmtErrorf(xerror.ErrNoMem)
	require.Equal(t, int32(-12), xerror.Code(wrapped))
}

func fmtErrorf(err error) error {
	return errors.Join(err)
}
