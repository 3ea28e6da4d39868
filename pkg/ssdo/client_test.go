package ssdo

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensafety-go/scm/pkg/sod"
)

// drive runs requests back and forth between a Client slot and a Server
// until the slot goes idle (transfer finished or aborted).
func drive(t *testing.T, c *Client, s *Server, slot SlotHandle, first Request) {
	t.Helper()
	pending := []Request{first}
	for i := 0; i < 1000 && len(pending) > 0; i++ {
		var next []Request
		for _, req := range pending {
			resp, ok := s.HandleRequest(req)
			if !ok {
				continue
			}
			out, err := c.OnResponse(slot, resp)
			require.NoError(t, err)
			next = append(next, out...)
		}
		pending = next
	}
}

func TestSaNoWrapsButNeverZero(t *testing.T) {
	saNo := uint16(65534)
	saNo = nextSaNo(saNo)
	assert.EqualValues(t, 65535, saNo)
	saNo = nextSaNo(saNo)
	assert.EqualValues(t, 1, saNo)
	saNo = nextSaNo(saNo)
	assert.EqualValues(t, 2, saNo)
}

func buildDict(t *testing.T) *sod.ObjectDictionary {
	t.Helper()
	dict := sod.New(nil)
	dict.AddVariable(0x3000, "domain", sod.TypeDomain, sod.AttrRW|sod.AttrAlways, 64)
	return dict
}

func TestClientServerSegmentedRoundTrip(t *testing.T) {
	dict := buildDict(t)
	srv := NewServer(nil, dict, 0)
	client := NewClient(nil, 4, 100, 3)

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	var gotErr error
	slot, req, err := client.Write(1, 0x3000, 0, data, false, func(e error) { gotErr = e })
	require.NoError(t, err)

	drive(t, client, srv, slot, req)

	require.NoError(t, gotErr)
	length, odr := dict.ActualLenGet(0x3000, 0)
	require.Equal(t, sod.ErrOK, odr)
	assert.EqualValues(t, len(data), length)
	buf := make([]byte, length)
	dict.Read(0x3000, 0, 0, buf)
	assert.Equal(t, data, buf)
}

func TestClientPreloadWindowNeverExceedsCredit(t *testing.T) {
	dict := buildDict(t)
	srv := NewServer(nil, dict, 0)
	require.NoError(t, srv.SetQueueSize(4))
	client := NewClient(nil, 4, 100, 3)

	data := make([]byte, 40) // 10 segments of size DefaultSegmentSize(4)
	for i := range data {
		data[i] = byte(i)
	}
	var gotErr error
	slot, req, err := client.Write(1, 0x3000, 0, data, true, func(e error) { gotErr = e })
	require.NoError(t, err)

	pending := []Request{req}
	maxInFlight := 0
	for i := 0; i < 1000 && len(pending) > 0; i++ {
		inFlight := len(pending)
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		var next []Request
		for _, r := range pending {
			resp, ok := srv.HandleRequest(r)
			if !ok {
				continue
			}
			out, err := client.OnResponse(slot, resp)
			require.NoError(t, err)
			next = append(next, out...)
		}
		pending = next
	}

	require.NoError(t, gotErr)
	assert.LessOrEqual(t, maxInFlight, 4)
	length, _ := dict.ActualLenGet(0x3000, 0)
	assert.EqualValues(t, len(data), length)
}

func TestClientPreloadLossRecoveryToleratesErrorReplays(t *testing.T) {
	client := NewClient(nil, 2, 100, 3)
	data := make([]byte, 40)
	slot, req, err := client.Write(1, 0x3000, 0, data, true, func(error) {})
	require.NoError(t, err)

	// Manually drive the preload init response with Q=4.
	initResp := Response{TR: 4, Payload: append(header(CmdDownloadPreloadInit, 0x3000, 0))}
	_ = req
	sent, err := client.OnResponse(slot, initResp)
	require.NoError(t, err)
	require.Len(t, sent, 4) // window fills to Q

	// Simulate the server flagging loss of the 3rd pre-mid (SaNo of
	// sent[2]), as in the spec's S4 scenario.
	lostSaNo := sent[2].SaNo
	errResp := Response{TR: TRErrorPreload, SaNo: lostSaNo}
	recovered, err := client.OnResponse(slot, errResp)
	require.NoError(t, err)
	require.NotEmpty(t, recovered)
	assert.Equal(t, lostSaNo, recovered[0].SaNo, "must resend starting from the flagged SaNo")

	// Tolerate stale replays of the same error for the remaining credit.
	for i := 0; i < 10; i++ {
		_, err := client.OnResponse(slot, errResp)
		require.NoError(t, err)
	}
}

func TestClientPreloadSecondUnrelatedErrorRestartsEpisode(t *testing.T) {
	client := NewClient(nil, 2, 100, 3)
	data := make([]byte, 40)
	slot, _, err := client.Write(1, 0x3000, 0, data, true, func(error) {})
	require.NoError(t, err)

	initResp := Response{TR: 4, Payload: append(header(CmdDownloadPreloadInit, 0x3000, 0))}
	sent, err := client.OnResponse(slot, initResp)
	require.NoError(t, err)
	require.Len(t, sent, 4)

	firstLost := sent[2].SaNo
	errResp := Response{TR: TRErrorPreload, SaNo: firstLost}
	_, err = client.OnResponse(slot, errResp)
	require.NoError(t, err)

	// A second, unrelated error names a later segment while the first
	// episode is still being recovered: per spec.md 4.3's "err-prel"
	// handling, this restarts the episode against the newly-named SaNo
	// rather than being folded into (or ignored by) the first episode.
	secondLost := sent[3].SaNo
	errResp2 := Response{TR: TRErrorPreload, SaNo: secondLost}
	recovered, err := client.OnResponse(slot, errResp2)
	require.NoError(t, err)
	require.NotEmpty(t, recovered)
	assert.Equal(t, secondLost, recovered[0].SaNo, "must resend from the newly-flagged SaNo, not the original")
}

func TestPreloadInitAbortFallsBackToClassical(t *testing.T) {
	client := NewClient(nil, 2, 100, 3)
	data := make([]byte, 40)
	slot, _, err := client.Write(1, 0x3000, 0, data, true, func(error) {})
	require.NoError(t, err)

	abortPayload := make([]byte, 8)
	abortPayload[0] = byte(CmdAbort)
	binary.LittleEndian.PutUint32(abortPayload[4:8], uint32(AbortCmdIDInvalid))
	resp := Response{Payload: abortPayload, Abort: true}

	next, err := client.OnResponse(slot, resp)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, CmdDownloadInitSegmented, SaCmd(next[0].Payload[0])&^toggleBit)
}
