package wire_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kimmoahokas/slicetime/internal/wire"
)

func TestRegisterClientRoundTrip(t *testing.T) {
	buf := wire.EncodeRegisterClient(7, wire.RegisterClient{
		ClientID:    42,
		ClientType:  wire.ClientTypeRemoteSimulation,
		Description: "ns-3 client",
	})
	require.Len(t, buf, 4+1+2+1+wire.ClientDescrLength)

	seq, got, err := wire.DecodeRegisterClient(buf)
	require.NoError(t, err)
	require.EqualValues(t, 7, seq)
	require.Equal(t, uint16(42), got.ClientID)
	require.Equal(t, wire.ClientTypeRemoteSimulation, got.ClientType)
	require.Equal(t, "ns-3 client", got.Description)
}

func TestRegisterClientDescriptionWithoutTerminator(t *testing.T) {
	full := strings.Repeat("x", wire.ClientDescrLength)
	buf := wire.EncodeRegisterClient(1, wire.RegisterClient{ClientID: 1, Description: full})
	_, got, err := wire.DecodeRegisterClient(buf)
	require.NoError(t, err)
	require.Equal(t, full, got.Description)
}

func TestRegisterClientDescriptionTruncated(t *testing.T) {
	tooLong := strings.Repeat("y", wire.ClientDescrLength+20)
	buf := wire.EncodeRegisterClient(1, wire.RegisterClient{ClientID: 1, Description: tooLong})
	_, got, err := wire.DecodeRegisterClient(buf)
	require.NoError(t, err)
	require.Equal(t, tooLong[:wire.ClientDescrLength], got.Description)
}

func TestUnregisterClientRoundTrip(t *testing.T) {
	buf := wire.EncodeUnregisterClient(3, wire.UnregisterClient{ClientID: 9, Reason: wire.UnregisterOutOfSync})
	seq, got, err := wire.DecodeUnregisterClient(buf)
	require.NoError(t, err)
	require.EqualValues(t, 3, seq)
	require.Equal(t, uint16(9), got.ClientID)
	require.Equal(t, wire.UnregisterOutOfSync, got.Reason)
}

func TestRunPermissionRoundTrip(t *testing.T) {
	buf := wire.EncodeRunPermission(100, wire.RunPermission{PeriodID: 5, RunTimeMicros: 1000})
	seq, got, err := wire.DecodeRunPermission(buf)
	require.NoError(t, err)
	require.EqualValues(t, 100, seq)
	require.Equal(t, uint32(5), got.PeriodID)
	require.Equal(t, uint32(1000), got.RunTimeMicros)
}

func TestFinishedRoundTripFieldOrder(t *testing.T) {
	buf := wire.EncodeFinished(1, wire.Finished{
		PeriodID:       1,
		RunTimeMicros:  1000,
		RealTimeMicros: 0,
		ClientID:       7,
	})
	// client-id must be the last field on the wire, per spec field order.
	require.Equal(t, byte(0), buf[len(buf)-2])
	require.Equal(t, byte(7), buf[len(buf)-1])

	_, got, err := wire.DecodeFinished(buf)
	require.NoError(t, err)
	require.Equal(t, uint16(7), got.ClientID)
	require.Equal(t, uint32(1), got.PeriodID)
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	buf := wire.EncodeRunPermission(1, wire.RunPermission{PeriodID: 1, RunTimeMicros: 1})
	_, _, err := wire.DecodeRunPermission(buf[:len(buf)-1])
	require.ErrorIs(t, err, wire.ErrBadLength)
}

func TestDecodeRejectsWrongType(t *testing.T) {
	buf := wire.EncodeRunPermission(1, wire.RunPermission{PeriodID: 1, RunTimeMicros: 1})
	_, _, err := wire.DecodeFinished(buf)
	require.Error(t, err)
}

func TestClassifyUnknownType(t *testing.T) {
	buf := []byte{0, 0, 0, 1, 99}
	_, err := wire.Classify(buf)
	require.ErrorIs(t, err, wire.ErrUnknownType)
}

func TestDecodeHeaderTooShort(t *testing.T) {
	_, err := wire.DecodeHeader([]byte{1, 2, 3})
	require.ErrorIs(t, err, wire.ErrTooShort)
}
