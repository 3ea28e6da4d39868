package ssdo

import (
	"encoding/binary"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

// SlotHandle addresses one of the client's fixed request slots.
type SlotHandle int

// ErrNoIdleSlot is returned when every slot is occupied by a live
// transfer, or a transfer is already in flight against the same target.
var ErrNoIdleSlot = errors.New("ssdo: no idle slot available")

// DefaultSegmentSize is the payload carried by one non-expedited
// segment when the caller does not override it.
const DefaultSegmentSize = 4

type clientSubState uint8

const (
	subIdle clientSubState = iota
	subWaitUploadInit
	subWaitDownloadExp
	subWaitDownloadInitSeg
	subWaitDownloadMidSeg
	subWaitUploadMidSeg
	subWaitDownloadEndSeg
	subWaitUploadEndSeg
)

// Slot is one SSDOC request slot: protocol sub-state, segmentation
// cursor, preload cursor, staged request buffer and response timer.
type Slot struct {
	inUse  bool
	target uint16
	index  uint16
	sub    uint8
	state  clientSubState

	saNo uint16

	writeData []byte
	readData  []byte
	offset    uint32
	totalSize uint32
	toggle    bool

	segmentSize int

	preload          bool
	preloadChunks    [][]byte
	preloadNextIdx   int
	preloadStartSaNo uint16
	preloadRecQ      int
	preloadActQ      int
	preloadSentIdx   map[uint16]int
	preloadRecSaNo   uint16
	preloadActSaNo   uint16
	preloadErrActive bool
	preloadErrSaNo   uint16
	preloadMaxErrRep int

	stagedRequest Request

	timeoutTicks  uint32
	timer         uint32
	retriesLeft   uint8
	maxRetries    uint8
	onDownload    func(error)
	onUpload      func([]byte, error)
}

// Client is one SSDOC instance: a fixed roster of slots driving
// expedited/segmented/preload requests against a population of SSDOS
// instances. Like Server, it owns no goroutine — every method is a
// synchronous step driven by the host's trigger.
type Client struct {
	logger *log.Entry
	mu     sync.Mutex

	slots []*Slot

	defaultTimeoutTicks uint32
	defaultMaxRetries   uint8
}

// NewClient creates a client with n request slots.
func NewClient(logger *log.Entry, n int, timeoutTicks uint32, maxRetries uint8) *Client {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	slots := make([]*Slot, n)
	for i := range slots {
		slots[i] = &Slot{segmentSize: DefaultSegmentSize}
	}
	return &Client{
		logger:              logger.WithField("component", "ssdoc"),
		slots:                slots,
		defaultTimeoutTicks: timeoutTicks,
		defaultMaxRetries:   maxRetries,
	}
}

func nextSaNo(cur uint16) uint16 {
	if cur >= 65535 {
		return 1
	}
	return cur + 1
}

// wrapAdd computes the SaNo delta positions after base, wrapping through
// the [1,65535] space the same way nextSaNo does one step at a time.
func wrapAdd(base uint16, delta int) uint16 {
	total := (int(base) - 1 + delta) % 65535
	if total < 0 {
		total += 65535
	}
	return uint16(total + 1)
}

// findSlot enforces the one-in-flight-per-target invariant and returns
// the lowest-numbered idle slot.
func (c *Client) findSlot(target uint16) (int, error) {
	idle := -1
	for i, s := range c.slots {
		if s.inUse {
			if s.target == target {
				return -1, ErrNoIdleSlot
			}
			continue
		}
		if idle == -1 {
			idle = i
		}
	}
	if idle == -1 {
		return -1, ErrNoIdleSlot
	}
	return idle, nil
}

func header(cmd SaCmd, index uint16, sub uint8) []byte {
	buf := make([]byte, 4)
	buf[0] = byte(cmd)
	binary.LittleEndian.PutUint16(buf[1:3], index)
	buf[3] = sub
	return buf
}

// Write starts a download (write) against target's object dictionary.
// preload requests the pipelined variant; onDone is invoked once the
// transfer completes or aborts.
func (c *Client) Write(target uint16, index uint16, sub uint8, data []byte, preload bool, onDone func(error)) (SlotHandle, Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, err := c.findSlot(target)
	if err != nil {
		return 0, Request{}, err
	}
	s := c.slots[i]
	*s = Slot{
		inUse:        true,
		target:       target,
		index:        index,
		sub:          sub,
		writeData:    data,
		totalSize:    uint32(len(data)),
		segmentSize:  DefaultSegmentSize,
		timeoutTicks: c.defaultTimeoutTicks,
		maxRetries:   c.defaultMaxRetries,
		retriesLeft:  c.defaultMaxRetries,
		onDownload:   onDone,
	}

	var req Request
	if len(data) <= maxPayloadForExpeditedUpload && !preload {
		s.saNo = nextSaNo(s.saNo)
		req = Request{SaNo: s.saNo, Payload: append(header(CmdDownloadInitExpedited, index, sub), data...)}
		s.state = subWaitDownloadExp
	} else {
		s.saNo = nextSaNo(s.saNo)
		sizeBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(sizeBytes, s.totalSize)
		cmd := CmdDownloadInitSegmented
		if preload {
			cmd = CmdDownloadPreloadInit
			s.preload = true
			s.preloadChunks = chunk(data, s.segmentSize)
			s.preloadSentIdx = map[uint16]int{}
		}
		req = Request{SaNo: s.saNo, Payload: append(header(cmd, index, sub), sizeBytes...)}
		s.state = subWaitDownloadInitSeg
	}
	s.stagedRequest = req
	return SlotHandle(i), req, nil
}

// Read starts an upload (read) from target's object dictionary.
func (c *Client) Read(target uint16, index uint16, sub uint8, onDone func([]byte, error)) (SlotHandle, Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i, err := c.findSlot(target)
	if err != nil {
		return 0, Request{}, err
	}
	s := c.slots[i]
	*s = Slot{
		inUse:        true,
		target:       target,
		index:        index,
		sub:          sub,
		segmentSize:  DefaultSegmentSize,
		timeoutTicks: c.defaultTimeoutTicks,
		maxRetries:   c.defaultMaxRetries,
		retriesLeft:  c.defaultMaxRetries,
		onUpload:     onDone,
		state:        subWaitUploadInit,
	}
	s.saNo = nextSaNo(s.saNo)
	req := Request{SaNo: s.saNo, Payload: header(CmdUploadInitExpedited, index, sub)}
	s.stagedRequest = req
	return SlotHandle(i), req, nil
}

func chunk(data []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultSegmentSize
	}
	var out [][]byte
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[off:end])
	}
	if len(out) == 0 {
		out = append(out, []byte{})
	}
	return out
}

func (c *Client) slot(h SlotHandle) (*Slot, error) {
	if int(h) < 0 || int(h) >= len(c.slots) || !c.slots[int(h)].inUse {
		return nil, ErrNoIdleSlot
	}
	return c.slots[int(h)], nil
}

func (c *Client) finishDownload(s *Slot, err error) {
	if s.onDownload != nil {
		s.onDownload(err)
	}
	s.inUse = false
	s.preloadErrActive = false
}

func (c *Client) finishUpload(s *Slot, data []byte, err error) {
	if s.onUpload != nil {
		s.onUpload(data, err)
	}
	s.inUse = false
}

// OnResponse feeds one SSDOS response to the slot and returns the next
// outgoing requests, if any, the host's trigger should frame and send.
func (c *Client) OnResponse(h SlotHandle, resp Response) ([]Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.slot(h)
	if err != nil {
		return nil, err
	}
	s.timer = 0
	s.retriesLeft = s.maxRetries

	if resp.Abort {
		code := AbortCode(0)
		if len(resp.Payload) >= 8 {
			code = AbortCode(binary.LittleEndian.Uint32(resp.Payload[4:8]))
		}
		if s.state == subWaitDownloadInitSeg && s.preload && code == AbortCmdIDInvalid {
			// Fall back to classical segmented download.
			s.preload = false
			sizeBytes := make([]byte, 4)
			binary.LittleEndian.PutUint32(sizeBytes, s.totalSize)
			req := Request{SaNo: s.saNo, Payload: append(header(CmdDownloadInitSegmented, s.index, s.sub), sizeBytes...)}
			s.stagedRequest = req
			return []Request{req}, nil
		}
		if s.onUpload != nil {
			c.finishUpload(s, nil, code)
		} else {
			c.finishDownload(s, code)
		}
		return nil, nil
	}

	switch s.state {
	case subWaitDownloadExp:
		c.finishDownload(s, nil)
		return nil, nil

	case subWaitDownloadInitSeg:
		if s.preload {
			s.preloadRecQ = int(resp.TR)
			if s.preloadRecQ < 1 || s.preloadRecQ > 15 {
				s.preloadRecQ = 1
			}
			s.preloadActQ = s.preloadRecQ
			s.state = subWaitDownloadMidSeg
			return c.fillPreloadWindow(s), nil
		}
		s.state = subWaitDownloadMidSeg
		return c.sendNextClassicalSegment(s), nil

	case subWaitDownloadMidSeg:
		if s.preload {
			return c.onPreloadResponse(s, resp)
		}
		return c.onClassicalDownloadResponse(s, resp)

	case subWaitDownloadEndSeg:
		c.finishDownload(s, nil)
		return nil, nil

	case subWaitUploadInit:
		return c.onUploadInitResponse(s, resp)

	case subWaitUploadMidSeg:
		return c.onUploadSegmentResponse(s, resp)
	}
	return nil, nil
}

func (c *Client) sendNextClassicalSegment(s *Slot) []Request {
	remaining := int(s.totalSize) - int(s.offset)
	if remaining <= 0 {
		s.saNo = nextSaNo(s.saNo)
		req := Request{SaNo: s.saNo, Payload: header(CmdDownloadSegmentEnd, s.index, s.sub)}
		s.stagedRequest = req
		s.state = subWaitDownloadEndSeg
		return []Request{req}
	}
	size := s.segmentSize
	if size > remaining {
		size = remaining
	}
	end := remaining <= size
	cmd := CmdDownloadSegmentMid
	if end {
		cmd = CmdDownloadSegmentEnd
	}
	payload := append(header(cmd|SaCmd(boolToToggle(s.toggle)), s.index, s.sub), s.writeData[s.offset:int(s.offset)+size]...)
	s.offset += uint32(size)
	s.toggle = !s.toggle
	s.saNo = nextSaNo(s.saNo)
	req := Request{SaNo: s.saNo, Payload: payload}
	s.stagedRequest = req
	if end {
		s.state = subWaitDownloadEndSeg
	}
	return []Request{req}
}

func (c *Client) onClassicalDownloadResponse(s *Slot, resp Response) ([]Request, error) {
	if resp.SaNo != s.saNo {
		return nil, nil
	}
	if s.offset >= s.totalSize {
		c.finishDownload(s, nil)
		return nil, nil
	}
	return c.sendNextClassicalSegment(s), nil
}

// fillPreloadWindow sends as many queued chunks as the remaining credit
// allows, implementing spec's "streams up to Q segments without waiting
// for individual responses".
func (c *Client) fillPreloadWindow(s *Slot) []Request {
	var reqs []Request
	for s.preloadActQ > 0 && s.preloadNextIdx < len(s.preloadChunks) {
		idx := s.preloadNextIdx
		var saNo uint16
		if idx == 0 {
			s.saNo = nextSaNo(s.saNo)
			s.preloadStartSaNo = s.saNo
			saNo = s.saNo
		} else {
			saNo = wrapAdd(s.preloadStartSaNo, idx)
			s.saNo = saNo
		}
		s.preloadSentIdx[saNo] = idx
		s.preloadActSaNo = saNo
		payload := append(header(CmdDownloadPreloadMid, s.index, s.sub), s.preloadChunks[idx]...)
		reqs = append(reqs, Request{SaNo: saNo, Payload: payload})
		s.preloadActQ--
		s.preloadNextIdx++
	}
	if s.preloadNextIdx >= len(s.preloadChunks) && s.preloadActQ == s.preloadRecQ && !s.preloadErrActive {
		s.saNo = nextSaNo(s.saNo)
		reqs = append(reqs, Request{SaNo: s.saNo, Payload: header(CmdDownloadSegmentEnd, s.index, s.sub)})
		s.state = subWaitDownloadEndSeg
	}
	return reqs
}

// onPreloadResponse implements the preload credit/window/error-episode
// recovery rules (spec §4.3 preload).
func (c *Client) onPreloadResponse(s *Slot, resp Response) ([]Request, error) {
	if resp.TR&TRErrorPreload != 0 {
		lost := resp.SaNo
		// A fresh error, or a second unrelated error naming a different
		// segment while the prior episode is still being recovered,
		// both (re)start the error episode against the newly-named SaNo.
		if !s.preloadErrActive || lost != s.preloadErrSaNo {
			s.preloadErrActive = true
			s.preloadErrSaNo = lost
			s.preloadMaxErrRep = s.preloadRecQ - s.preloadActQ
			if idx, ok := s.preloadSentIdx[lost]; ok {
				s.preloadNextIdx = idx
			}
			s.preloadActQ++
			return c.fillPreloadWindow(s), nil
		}
		if s.preloadMaxErrRep > 0 {
			s.preloadMaxErrRep--
			s.preloadActQ++
			if s.preloadMaxErrRep == 0 {
				s.preloadErrActive = false
			}
		}
		return c.fillPreloadWindow(s), nil
	}

	valid := resp.SaNo >= s.preloadRecSaNo && resp.SaNo <= s.preloadActSaNo
	if valid {
		s.preloadActQ++
		s.preloadRecSaNo = resp.SaNo
	}
	return c.fillPreloadWindow(s), nil
}

func (c *Client) onUploadInitResponse(s *Slot, resp Response) ([]Request, error) {
	cmd := SaCmd(resp.Payload[0])
	base := cmd &^ toggleBit
	if base == CmdUploadInitExpedited {
		data := append([]byte{}, resp.Payload[4:]...)
		c.finishUpload(s, data, nil)
		return nil, nil
	}
	// Segmented: payload[4:8] carries total size.
	s.totalSize = binary.LittleEndian.Uint32(resp.Payload[4:8])
	s.readData = make([]byte, 0, s.totalSize)
	s.toggle = false
	s.state = subWaitUploadMidSeg
	s.saNo = nextSaNo(s.saNo)
	req := Request{SaNo: s.saNo, Payload: header(CmdUploadSegmentMid|SaCmd(boolToToggle(s.toggle)), s.index, s.sub)}
	s.stagedRequest = req
	return []Request{req}, nil
}

func (c *Client) onUploadSegmentResponse(s *Slot, resp Response) ([]Request, error) {
	cmd := SaCmd(resp.Payload[0])
	base := cmd &^ toggleBit
	s.readData = append(s.readData, resp.Payload[1:]...)
	if base == CmdUploadSegmentEnd {
		c.finishUpload(s, s.readData, nil)
		return nil, nil
	}
	s.toggle = !s.toggle
	s.saNo = nextSaNo(s.saNo)
	req := Request{SaNo: s.saNo, Payload: header(CmdUploadSegmentMid|SaCmd(boolToToggle(s.toggle)), s.index, s.sub)}
	s.stagedRequest = req
	return []Request{req}, nil
}

// PendingRequest pairs a retransmission with the slot (and therefore the
// target) it belongs to, since Request itself carries no destination —
// that addressing lives at the SCM/frame-codec layer, not here.
type PendingRequest struct {
	Slot   SlotHandle
	Target uint16
	Request Request
}

// Poll advances every occupied slot's response timer by deltaTicks,
// returning the retransmissions due this step. A slot whose retries are
// exhausted is not returned: it is finished with AbortSSDOTimeout
// through its completion callback.
func (c *Client) Poll(deltaTicks uint32) []PendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []PendingRequest
	for i, s := range c.slots {
		if !s.inUse || s.timeoutTicks == 0 {
			continue
		}
		s.timer += deltaTicks
		if s.timer < s.timeoutTicks {
			continue
		}
		s.timer = 0
		if s.retriesLeft == 0 {
			if s.onUpload != nil {
				c.finishUpload(s, nil, AbortSSDOTimeout)
			} else {
				c.finishDownload(s, AbortSSDOTimeout)
			}
			continue
		}
		s.retriesLeft--
		out = append(out, PendingRequest{Slot: SlotHandle(i), Target: s.target, Request: s.stagedRequest})
	}
	return out
}
