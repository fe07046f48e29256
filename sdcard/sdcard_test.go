package sdcard_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/picofat/picofat/sdcard"
)

// simCard emulates an SD card's SPI slave state machine one byte at a time.
// Commands are parsed from 6-byte frames, responses and read data are served
// from a queue, and write data phases collect the token, payload and CRC the
// way a real card does.
type simCard struct {
	sdhc bool // block addressed, CCS set in OCR
	v1   bool // rejects CMD8

	idle      bool
	acmdPolls int
	appNext   bool

	frame   [6]byte
	fn      int
	inFrame bool

	out []byte

	phase   int // 0 none, 1 awaiting token, 2 collecting data
	multi   bool
	dataBuf [sdcard.BlockSize]byte
	dataN   int
	wblock  uint32

	// Open CMD18 transfer: blocks stream from rblock until CMD12.
	readMulti bool
	rblock    uint32

	eraseStart uint32
	eraseEnd   uint32

	blocks map[uint32][]byte

	reads      int // CMD17 count
	multireads int // CMD18 count
	blocklen   uint32
	baudrates  []uint32
	failWrites bool
}

func newSimCard(sdhc bool) *simCard {
	return &simCard{sdhc: sdhc, blocks: make(map[uint32][]byte)}
}

func (s *simCard) Tx(w, r []byte) error {
	for i := range w {
		b := s.step(w[i])
		if i < len(r) {
			r[i] = b
		}
	}
	return nil
}

func (s *simCard) SetBaudrate(hz uint32) error {
	s.baudrates = append(s.baudrates, hz)
	return nil
}

func (s *simCard) step(in byte) byte {
	switch s.phase {
	case 1: // awaiting data token
		switch in {
		case 0xFE, 0xFC:
			s.phase = 2
			s.dataN = 0
		case 0xFD: // stop transmission
			s.phase = 0
		}
		return 0xFF
	case 2: // payload plus two CRC bytes
		if s.dataN < sdcard.BlockSize {
			s.dataBuf[s.dataN] = in
		}
		s.dataN++
		if s.dataN == sdcard.BlockSize+2 {
			s.store(s.wblock, s.dataBuf[:])
			s.out = append(s.out, 0x05)
			if s.multi {
				s.wblock++
				s.phase = 1
			} else {
				s.phase = 0
			}
		}
		return 0xFF
	}
	if s.inFrame {
		s.frame[s.fn] = in
		s.fn++
		if s.fn == len(s.frame) {
			s.inFrame = false
			s.exec()
		}
		return 0xFF
	}
	if in&0xC0 == 0x40 {
		// A new command aborts whatever response was in flight.
		s.out = s.out[:0]
		s.frame[0] = in
		s.fn = 1
		s.inFrame = true
		return 0xFF
	}
	if len(s.out) == 0 && s.readMulti {
		// An open CMD18 transfer keeps streaming blocks until CMD12.
		s.out = append(s.out, 0xFE)
		s.out = append(s.out, s.read(s.rblock)...)
		s.out = append(s.out, 0x00, 0x00)
		s.rblock++
	}
	if len(s.out) > 0 {
		b := s.out[0]
		s.out = s.out[1:]
		return b
	}
	return 0xFF
}

func (s *simCard) r1() byte {
	if s.idle {
		return 0x01
	}
	return 0x00
}

func (s *simCard) blockArg(arg uint32) uint32 {
	if s.sdhc {
		return arg
	}
	return arg / sdcard.BlockSize
}

func (s *simCard) store(block uint32, data []byte) {
	b := make([]byte, sdcard.BlockSize)
	copy(b, data)
	s.blocks[block] = b
}

func (s *simCard) read(block uint32) []byte {
	if b, ok := s.blocks[block]; ok {
		return b
	}
	return make([]byte, sdcard.BlockSize)
}

func (s *simCard) exec() {
	cmd := s.frame[0] & 0x3F
	arg := uint32(s.frame[1])<<24 | uint32(s.frame[2])<<16 | uint32(s.frame[3])<<8 | uint32(s.frame[4])
	app := s.appNext
	s.appNext = false
	if app {
		switch cmd {
		case 41: // ACMD41, needs one retry before leaving idle
			if s.acmdPolls == 0 {
				s.acmdPolls++
				s.out = append(s.out, 0x01)
				return
			}
			s.idle = false
			s.out = append(s.out, 0x00)
			return
		case 23: // pre-erase hint
			s.out = append(s.out, s.r1())
			return
		}
	}
	switch cmd {
	case 0:
		s.idle = true
		s.acmdPolls = 0
		s.out = append(s.out, 0x01)
	case 8:
		if s.v1 {
			s.out = append(s.out, 0x05) // illegal command, idle
			return
		}
		s.out = append(s.out, 0x01, 0x00, 0x00, byte(arg>>8)&0x0F, byte(arg))
	case 55:
		s.appNext = true
		s.out = append(s.out, s.r1())
	case 58:
		ocr := uint32(1<<31 | 0x00FF8000)
		if s.sdhc {
			ocr |= 1 << 30
		}
		s.out = append(s.out, s.r1(), byte(ocr>>24), byte(ocr>>16), byte(ocr>>8), byte(ocr))
	case 16:
		s.blocklen = arg
		s.out = append(s.out, 0x00)
	case 13:
		r2 := byte(0)
		if s.failWrites {
			r2 = 0x01
		}
		s.out = append(s.out, 0x00, r2)
	case 17:
		s.reads++
		s.out = append(s.out, 0x00, 0xFE)
		s.out = append(s.out, s.read(s.blockArg(arg))...)
		s.out = append(s.out, 0x00, 0x00)
	case 18:
		s.multireads++
		s.rblock = s.blockArg(arg)
		s.readMulti = true
		s.out = append(s.out, 0x00)
	case 24:
		s.wblock = s.blockArg(arg)
		s.multi = false
		s.phase = 1
		s.out = append(s.out, 0x00)
	case 25:
		s.wblock = s.blockArg(arg)
		s.multi = true
		s.phase = 1
		s.out = append(s.out, 0x00)
	case 9:
		s.out = append(s.out, 0x00, 0xFE)
		s.out = append(s.out, s.csd()...)
		s.out = append(s.out, 0x00, 0x00)
	case 10:
		cid := [16]byte{0x03, 'S', 'D', 'S', 'I', 'M', '0', '1'}
		s.out = append(s.out, 0x00, 0xFE)
		s.out = append(s.out, cid[:]...)
		s.out = append(s.out, 0x00, 0x00)
	case 32:
		s.eraseStart = s.blockArg(arg)
		s.out = append(s.out, 0x00)
	case 33:
		s.eraseEnd = s.blockArg(arg)
		s.out = append(s.out, 0x00)
	case 38:
		erased := make([]byte, sdcard.BlockSize)
		for i := range erased {
			erased[i] = 0xFF
		}
		for b := s.eraseStart; b <= s.eraseEnd; b++ {
			s.store(b, erased)
		}
		s.out = append(s.out, 0x00)
	case 12:
		s.readMulti = false
		// Stuff byte, R1, one busy byte.
		s.out = append(s.out, 0xFF, 0x00, 0x00)
	default:
		s.out = append(s.out, 0x04) // illegal command
	}
}

// csd encodes the capacity the tests expect. v2 cards report 16384 blocks,
// v1 cards 2097152.
func (s *simCard) csd() []byte {
	var csd [16]byte
	if s.v1 {
		csd[0] = 0x00
		csd[5] = 0x09 // READ_BL_LEN 512
		csd[6] = 0x03 // C_SIZE 4095
		csd[7] = 0xFF
		csd[8] = 0xC0
		csd[9] = 0x03 // C_SIZE_MULT 7
		csd[10] = 0x80
	} else {
		csd[0] = 0x40 // CSD v2
		csd[9] = 15   // (15+1)<<10 blocks
	}
	return csd[:]
}

func simConfig() sdcard.Config {
	return sdcard.Config{
		CS:    func(assert bool) {},
		Sleep: func(d time.Duration) {},
	}
}

func newTestCard(t *testing.T, sim *simCard) *sdcard.Card {
	t.Helper()
	card, err := sdcard.New(sim, simConfig())
	require.NoError(t, err)
	require.NoError(t, card.Init())
	return card
}

func blockPattern(seed byte) []byte {
	buf := make([]byte, sdcard.BlockSize)
	for i := range buf {
		buf[i] = seed + byte(i)
	}
	return buf
}

func TestInitSDHC(t *testing.T) {
	sim := newSimCard(true)
	card := newTestCard(t, sim)
	require.Equal(t, sdcard.TypeSDHC, card.Type())
	require.True(t, card.Initialized())
	require.Equal(t, sdcard.StatusOK, card.LastStatus())
	require.Equal(t, []uint32{400_000, 12_000_000}, sim.baudrates)
	// SDHC cards are fixed at 512-byte blocks, no CMD16 needed.
	require.Zero(t, sim.blocklen)
}

func TestInitSD1ByteAddressed(t *testing.T) {
	sim := newSimCard(false)
	sim.v1 = true
	card := newTestCard(t, sim)
	require.Equal(t, sdcard.TypeSD1, card.Type())
	require.Equal(t, uint32(sdcard.BlockSize), sim.blocklen)

	// Round trip through byte addressing.
	want := blockPattern(0xA0)
	require.NoError(t, card.WriteBlock(9, want))
	got := make([]byte, sdcard.BlockSize)
	require.NoError(t, card.ReadBlock(9, got))
	require.Equal(t, want, got)
}

func TestInitNoCard(t *testing.T) {
	cfg := simConfig()
	cfg.InitTimeout = 10 * time.Millisecond
	card, err := sdcard.New(deadBus{}, cfg)
	require.NoError(t, err)
	err = card.Init()
	require.ErrorIs(t, err, sdcard.StatusNoCard)
	require.False(t, card.Initialized())
}

// deadBus is a bus with no card on it: MISO idles high.
type deadBus struct{}

func (deadBus) Tx(w, r []byte) error {
	for i := range r {
		r[i] = 0xFF
	}
	return nil
}

func TestReadWriteBlock(t *testing.T) {
	sim := newSimCard(true)
	card := newTestCard(t, sim)

	want := blockPattern(1)
	require.NoError(t, card.WriteBlock(7, want))
	got := make([]byte, sdcard.BlockSize)
	require.NoError(t, card.ReadBlock(7, got))
	require.Equal(t, want, got)

	// Unwritten blocks read back zeroed.
	require.NoError(t, card.ReadBlock(8, got))
	require.Equal(t, make([]byte, sdcard.BlockSize), got)
}

func TestUninitializedTransfersRejected(t *testing.T) {
	card, err := sdcard.New(newSimCard(true), simConfig())
	require.NoError(t, err)
	buf := make([]byte, sdcard.BlockSize)
	require.ErrorIs(t, card.ReadBlock(0, buf), sdcard.StatusInitFailed)
	require.ErrorIs(t, card.WriteBlock(0, buf), sdcard.StatusInitFailed)
	require.Equal(t, uint8(0), card.Mode())
}

func TestWriteVerifyFailure(t *testing.T) {
	sim := newSimCard(true)
	card := newTestCard(t, sim)
	sim.failWrites = true
	err := card.WriteBlock(3, blockPattern(0))
	require.ErrorIs(t, err, sdcard.StatusWriteStatusError)
	require.Equal(t, sdcard.StatusWriteStatusError, card.LastStatus())
}

func TestMultiBlockTransfers(t *testing.T) {
	sim := newSimCard(true)
	card := newTestCard(t, sim)

	const n = 4
	data := make([]byte, n*sdcard.BlockSize)
	for i := range data {
		data[i] = byte(i * 7)
	}
	require.NoError(t, card.WriteBlocks(data, 20))

	got := make([]byte, n*sdcard.BlockSize)
	require.NoError(t, card.ReadBlocks(got, 20))
	require.Equal(t, data, got)

	require.NoError(t, card.EraseBlocks(21, 2))
	one := make([]byte, sdcard.BlockSize)
	require.NoError(t, card.ReadBlocks(one, 21))
	for _, b := range one {
		require.Equal(t, byte(0xFF), b)
	}
	// Neighbors outside the erase range survive.
	require.NoError(t, card.ReadBlocks(one, 20))
	require.Equal(t, data[:sdcard.BlockSize], one)
	require.Equal(t, uint8(3), card.Mode())
}

func TestMultiBlockRead(t *testing.T) {
	sim := newSimCard(true)
	card := newTestCard(t, sim)

	const n = 3
	data := make([]byte, n*sdcard.BlockSize)
	for i := range data {
		data[i] = byte(i * 3)
	}
	require.NoError(t, card.WriteBlocks(data, 40))

	got := make([]byte, n*sdcard.BlockSize)
	require.NoError(t, card.ReadBlocks(got, 40))
	require.Equal(t, data, got)
	require.Zero(t, sim.reads, "run of blocks served by single-block commands")
	require.Equal(t, 1, sim.multireads)
	require.False(t, sim.readMulti, "transfer left open after stop")

	// The explicit transfer surface delivers the same blocks in order.
	block := make([]byte, sdcard.BlockSize)
	require.NoError(t, card.ReadStart(41))
	require.NoError(t, card.ReadNext(block))
	require.Equal(t, data[sdcard.BlockSize:2*sdcard.BlockSize], block)
	require.NoError(t, card.ReadNext(block))
	require.Equal(t, data[2*sdcard.BlockSize:], block)
	require.NoError(t, card.ReadStop())
	require.Equal(t, sdcard.StatusOK, card.LastStatus())
}

func TestPartialReadCursor(t *testing.T) {
	sim := newSimCard(true)
	card := newTestCard(t, sim)
	want := blockPattern(0x30)
	require.NoError(t, card.WriteBlock(3, want))
	card.SetPartialRead(true)

	buf := make([]byte, 16)
	require.NoError(t, card.ReadData(3, 0, 16, buf))
	require.Equal(t, want[:16], buf)
	require.Equal(t, 1, sim.reads)

	// Continuation within the block reuses the open transfer.
	require.NoError(t, card.ReadData(3, 16, 16, buf))
	require.Equal(t, want[16:32], buf)
	require.NoError(t, card.ReadData(3, 100, 16, buf))
	require.Equal(t, want[100:116], buf)
	require.Equal(t, 1, sim.reads)

	// Seeking backwards restarts the transfer.
	require.NoError(t, card.ReadData(3, 4, 8, buf[:8]))
	require.Equal(t, want[4:12], buf[:8])
	require.Equal(t, 2, sim.reads)

	card.ReadEnd()
	require.Error(t, card.ReadData(3, 500, 16, buf))
	card.SetPartialRead(false)

	// Without partial reads each call issues its own command.
	require.NoError(t, card.ReadData(3, 0, 16, buf))
	require.NoError(t, card.ReadData(3, 16, 16, buf))
	require.Equal(t, 4, sim.reads)
}

func TestSizeFromCSD(t *testing.T) {
	sim := newSimCard(true)
	card := newTestCard(t, sim)
	size, err := card.Size()
	require.NoError(t, err)
	require.Equal(t, uint32(16384), size)

	v1sim := newSimCard(false)
	v1sim.v1 = true
	v1card := newTestCard(t, v1sim)
	size, err = v1card.Size()
	require.NoError(t, err)
	require.Equal(t, uint32(2097152), size)
}

func TestCID(t *testing.T) {
	card := newTestCard(t, newSimCard(true))
	cid, err := card.CID()
	require.NoError(t, err)
	require.Equal(t, byte(0x03), cid[0])
	require.Equal(t, "SDSIM01", string(cid[1:8]))
}

func TestStatusMessages(t *testing.T) {
	require.Equal(t, "no card detected", sdcard.StatusNoCard.Error())
	require.Equal(t, "timeout waiting for ACMD41", sdcard.StatusACMD41Timeout.Error())
	require.Equal(t, "unknown error", sdcard.Status(200).Error())
	require.Equal(t, "SDHC/SDXC", sdcard.TypeSDHC.String())
	require.Equal(t, "unknown", sdcard.TypeUnknown.String())
}
