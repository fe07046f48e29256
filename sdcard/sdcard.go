// Package sdcard drives SD memory cards over SPI. It performs the
// SPI-mode initialization handshake, single and multi block transfers,
// partial-block reads and block erasure. A Card doubles as a 512-byte
// block device for mounting filesystems on top.
package sdcard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SPI is the bus the card is wired to. Tx shifts len(w) bytes out while
// shifting the same number of bytes in. w and r are always the same length;
// either may be ignored by half-duplex style transfers but both are provided.
type SPI interface {
	Tx(w, r []byte) error
}

// Baudrater is optionally implemented by SPI buses whose clock can be changed
// at runtime. Initialization runs at a low clock and switches up afterwards.
type Baudrater interface {
	SetBaudrate(hz uint32) error
}

// BlockSize is the only transfer size this driver speaks.
const BlockSize = 512

// Card type reported after initialization.
type CardType uint8

const (
	TypeUnknown CardType = iota
	TypeSD1              // standard capacity, v1 command set
	TypeSD2              // standard capacity, v2 command set
	TypeSDHC             // high capacity, block addressed
)

func (t CardType) String() string {
	switch t {
	case TypeSD1:
		return "SDv1"
	case TypeSD2:
		return "SDv2"
	case TypeSDHC:
		return "SDHC/SDXC"
	}
	return "unknown"
}

// Status describes the outcome of the last card operation. It implements
// error; StatusOK is not an error and is never returned as one.
type Status uint8

const (
	StatusOK Status = iota
	StatusNoCard
	StatusInitFailed
	StatusNotFound
	StatusBadFormat
	StatusShortRead
	StatusUnsupported
	StatusWriteCmdFailed
	StatusWriteDataFailed
	StatusReadCmdFailed
	StatusReadTokenTimeout
	StatusReadBadToken
	StatusWriteBusyTimeout
	StatusWriteStatusError
	StatusEraseError
	StatusUnknownError
	StatusACMD41Timeout
)

var statusMessages = [...]string{
	StatusOK:               "ok",
	StatusNoCard:           "no card detected",
	StatusInitFailed:       "initialization failed",
	StatusNotFound:         "file not found",
	StatusBadFormat:        "bad file format",
	StatusShortRead:        "incomplete buffer read",
	StatusUnsupported:      "unsupported operation",
	StatusWriteCmdFailed:   "write command rejected",
	StatusWriteDataFailed:  "write data rejected",
	StatusReadCmdFailed:    "read command rejected",
	StatusReadTokenTimeout: "timeout waiting for read token",
	StatusReadBadToken:     "bad read token",
	StatusWriteBusyTimeout: "timeout waiting for write to finish",
	StatusWriteStatusError: "card reports write error",
	StatusEraseError:       "erase failed",
	StatusUnknownError:     "unknown error",
	StatusACMD41Timeout:    "timeout waiting for ACMD41",
}

func (s Status) Error() string {
	if int(s) < len(statusMessages) {
		return statusMessages[s]
	}
	return statusMessages[StatusUnknownError]
}

// SD command set, SPI mode.
const (
	cmdGoIdleState      = 0  // CMD0
	cmdSendIfCond       = 8  // CMD8
	cmdSendCSD          = 9  // CMD9
	cmdSendCID          = 10 // CMD10
	cmdStopTransmission = 12 // CMD12
	cmdSendStatus       = 13 // CMD13
	cmdSetBlocklen      = 16 // CMD16
	cmdReadSingle       = 17 // CMD17
	cmdReadMultiple     = 18 // CMD18
	cmdWriteSingle      = 24 // CMD24
	cmdWriteMultiple    = 25 // CMD25
	cmdEraseStart       = 32 // CMD32
	cmdEraseEnd         = 33 // CMD33
	cmdErase            = 38 // CMD38
	cmdAppCmd           = 55 // CMD55
	cmdReadOCR          = 58 // CMD58
	acmdSetWrBlkErase   = 23 // ACMD23
	acmdSDSendOpCond    = 41 // ACMD41
)

const (
	tokenData          = 0xFE
	tokenWriteMultiple = 0xFC
	tokenStopTran      = 0xFD
)

// Config parametrizes a Card. The zero value of the timeout and baudrate
// fields selects defaults; CS is mandatory.
type Config struct {
	// CS drives the chip select line. true asserts the card (line low).
	CS func(assert bool)
	// Sleep pauses between polls. Defaults to time.Sleep.
	Sleep func(d time.Duration)
	// Baudrates used during and after initialization, applied when the bus
	// implements Baudrater. Defaults are 400kHz and 12MHz.
	InitBaudrate   uint32
	NormalBaudrate uint32

	InitTimeout  time.Duration // default 1s
	ReadTimeout  time.Duration // default 300ms
	WriteTimeout time.Duration // default 600ms
	EraseTimeout time.Duration // default 3s
}

func (cfg *Config) setDefaults() {
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if cfg.InitBaudrate == 0 {
		cfg.InitBaudrate = 400_000
	}
	if cfg.NormalBaudrate == 0 {
		cfg.NormalBaudrate = 12_000_000
	}
	if cfg.InitTimeout == 0 {
		cfg.InitTimeout = time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 300 * time.Millisecond
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 600 * time.Millisecond
	}
	if cfg.EraseTimeout == 0 {
		cfg.EraseTimeout = 3 * time.Second
	}
}

// Card is an SD card on an SPI bus. Not safe for concurrent use.
type Card struct {
	spi SPI
	cfg Config
	log *slog.Logger

	typ         CardType
	initialized bool
	last        Status

	// Partial read cursor over an open CMD17 transfer.
	inBlock     bool
	block       uint32
	offset      uint16
	partialRead bool

	cmdbuf [6]byte
	iobuf  [1]byte
}

// New returns an uninitialized Card on the given bus. Call Init before any
// data transfer.
func New(spi SPI, cfg Config) (*Card, error) {
	if spi == nil {
		return nil, errors.New("sdcard: nil SPI bus")
	}
	if cfg.CS == nil {
		return nil, errors.New("sdcard: Config.CS is required")
	}
	cfg.setDefaults()
	return &Card{spi: spi, cfg: cfg}, nil
}

// SetLogger sets the logger used for initialization and error tracing.
func (c *Card) SetLogger(log *slog.Logger) { c.log = log }

func (c *Card) debug(msg string, attrs ...slog.Attr) {
	if c.log != nil {
		c.log.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}

// Type returns the card type detected by Init.
func (c *Card) Type() CardType { return c.typ }

// Initialized reports whether Init completed successfully.
func (c *Card) Initialized() bool { return c.initialized }

// LastStatus returns the status of the most recent operation.
func (c *Card) LastStatus() Status { return c.last }

func (c *Card) fail(s Status) error {
	c.last = s
	return s
}

// Init resets the card and brings it out of idle state. It detects the card
// generation via CMD8, completes initialization with ACMD41, reads the OCR to
// tell SDHC apart from standard capacity, and sets a 512-byte block length on
// standard capacity cards.
func (c *Card) Init() error {
	c.initialized = false
	c.typ = TypeUnknown
	if br, ok := c.spi.(Baudrater); ok {
		if err := br.SetBaudrate(c.cfg.InitBaudrate); err != nil {
			return fmt.Errorf("sdcard: set init baudrate: %w", err)
		}
	}
	// At least 74 warmup clocks with CS deasserted.
	c.cfg.CS(false)
	for i := 0; i < 10; i++ {
		if _, err := c.transfer(0xFF); err != nil {
			return fmt.Errorf("sdcard: warmup: %w", err)
		}
	}
	if err := c.goIdle(); err != nil {
		return err
	}
	hcs, err := c.checkVoltage()
	if err != nil {
		return err
	}
	if err := c.sendOpCond(hcs); err != nil {
		return err
	}
	if c.typ != TypeSDHC {
		if r1, err := c.command(cmdSetBlocklen, BlockSize); err != nil {
			return err
		} else if r1 != 0 {
			return c.fail(StatusInitFailed)
		}
	}
	if br, ok := c.spi.(Baudrater); ok {
		if err := br.SetBaudrate(c.cfg.NormalBaudrate); err != nil {
			return fmt.Errorf("sdcard: set normal baudrate: %w", err)
		}
	}
	c.initialized = true
	c.last = StatusOK
	c.debug("sd card initialized", slog.String("type", c.typ.String()))
	return nil
}

// goIdle retries CMD0 until the card answers with the idle bit. A card that
// never answers at all is reported as absent.
func (c *Card) goIdle() error {
	deadline := time.Now().Add(c.cfg.InitTimeout)
	r1 := byte(0xFF)
	for {
		c.cfg.CS(false)
		c.transfer(0xFF)
		var err error
		r1, err = c.command(cmdGoIdleState, 0)
		if err != nil {
			return err
		}
		if r1 == 0x01 {
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		c.cfg.Sleep(5 * time.Millisecond)
	}
	if r1 == 0xFF {
		return c.fail(StatusNoCard)
	}
	return c.fail(StatusInitFailed)
}

// checkVoltage sends CMD8 with the 2.7-3.6V pattern. V2 cards echo the
// pattern back; V1 cards reject the command, which is fine.
func (c *Card) checkVoltage() (hcs bool, err error) {
	var r7 [4]byte
	r1, err := c.commandResp(cmdSendIfCond, 0x1AA, r7[:])
	if err != nil {
		return false, err
	}
	isV2 := r1 == 0x01 && r7[2] == 0x01 && r7[3] == 0xAA
	if r1 != 0x01 && r1 != 0x05 {
		return false, c.fail(StatusInitFailed)
	}
	return isV2, nil
}

// sendOpCond polls ACMD41 until the card leaves idle, then reads the OCR to
// determine block addressing.
func (c *Card) sendOpCond(hcs bool) error {
	var arg uint32
	if hcs {
		arg = 1 << 30
	}
	deadline := time.Now().Add(c.cfg.InitTimeout)
	for {
		r1, err := c.appCommand(acmdSDSendOpCond, arg)
		if err != nil {
			return err
		}
		if r1 == 0 {
			break
		}
		if time.Now().After(deadline) {
			return c.fail(StatusACMD41Timeout)
		}
		c.cfg.Sleep(10 * time.Millisecond)
	}
	var r3 [4]byte
	if _, err := c.commandResp(cmdReadOCR, 0, r3[:]); err != nil {
		return err
	}
	ocr := uint32(r3[0])<<24 | uint32(r3[1])<<16 | uint32(r3[2])<<8 | uint32(r3[3])
	switch {
	case ocr&(1<<30) != 0:
		c.typ = TypeSDHC
	case hcs:
		c.typ = TypeSD2
	default:
		c.typ = TypeSD1
	}
	return nil
}

// address converts a block number to the card's addressing scheme. Standard
// capacity cards are byte addressed.
func (c *Card) address(block uint32) uint32 {
	if c.typ == TypeSDHC {
		return block
	}
	return block * BlockSize
}

// ReadBlock reads one 512-byte block into buf.
func (c *Card) ReadBlock(block uint32, buf []byte) error {
	if !c.initialized {
		return c.fail(StatusInitFailed)
	}
	if len(buf) < BlockSize {
		return c.fail(StatusShortRead)
	}
	r1, err := c.commandKeepCS(cmdReadSingle, c.address(block))
	if err != nil {
		return err
	}
	if r1 != 0 {
		c.deselect()
		return c.fail(StatusReadCmdFailed)
	}
	if err := c.waitToken(); err != nil {
		c.deselect()
		return err
	}
	if err := c.readBytes(buf[:BlockSize]); err != nil {
		return err
	}
	// CRC plus trailing clocks.
	c.transfer(0xFF)
	c.transfer(0xFF)
	c.transfer(0xFF)
	c.deselect()
	c.last = StatusOK
	return nil
}

// WriteBlock writes one 512-byte block and verifies the outcome with CMD13.
func (c *Card) WriteBlock(block uint32, buf []byte) error {
	if !c.initialized {
		return c.fail(StatusInitFailed)
	}
	if len(buf) < BlockSize {
		return c.fail(StatusShortRead)
	}
	r1, err := c.commandKeepCS(cmdWriteSingle, c.address(block))
	if err != nil {
		return err
	}
	if r1 != 0 {
		c.deselect()
		return c.fail(StatusWriteCmdFailed)
	}
	c.transfer(tokenData)
	if err := c.writeBytes(buf[:BlockSize]); err != nil {
		return err
	}
	c.transfer(0xFF) // dummy CRC
	c.transfer(0xFF)
	resp, err := c.transfer(0xFF)
	if err != nil {
		return err
	}
	if resp&0x1F != 0x05 {
		c.deselect()
		return c.fail(StatusWriteDataFailed)
	}
	if !c.waitNotBusy(c.cfg.WriteTimeout) {
		c.deselect()
		return c.fail(StatusWriteBusyTimeout)
	}
	c.deselect()
	c.transfer(0xFF)

	// The data response only acknowledges receipt. CMD13 reports whether the
	// program operation actually succeeded.
	c.cfg.CS(true)
	r1, err = c.commandKeepCS(cmdSendStatus, 0)
	if err != nil {
		return err
	}
	r2, err := c.transfer(0xFF)
	if err != nil {
		return err
	}
	c.deselect()
	c.transfer(0xFF)
	if r1 != 0 || r2 != 0 {
		return c.fail(StatusWriteStatusError)
	}
	c.last = StatusOK
	return nil
}

// SetPartialRead enables keeping a block transfer open between ReadData
// calls, so consecutive reads within one block skip the command overhead.
// Disabling it also closes any open transfer.
func (c *Card) SetPartialRead(enable bool) {
	c.ReadEnd()
	c.partialRead = enable
}

// ReadData reads count bytes starting at offset within a block. With partial
// reads enabled the transfer stays open while consecutive calls move forward
// through the same block.
func (c *Card) ReadData(block uint32, offset, count uint16, dst []byte) error {
	if count == 0 {
		return nil
	}
	if !c.initialized {
		return c.fail(StatusInitFailed)
	}
	if uint32(offset)+uint32(count) > BlockSize || len(dst) < int(count) {
		return c.fail(StatusShortRead)
	}
	if !c.inBlock || block != c.block || offset < c.offset {
		c.block = block
		r1, err := c.commandKeepCS(cmdReadSingle, c.address(block))
		if err != nil {
			return err
		}
		if r1 != 0 {
			c.deselect()
			return c.fail(StatusReadCmdFailed)
		}
		if err := c.waitToken(); err != nil {
			c.deselect()
			return err
		}
		c.offset = 0
		c.inBlock = true
	}
	for c.offset < offset {
		c.transfer(0xFF)
		c.offset++
	}
	if err := c.readBytes(dst[:count]); err != nil {
		return err
	}
	c.offset += count
	if !c.partialRead || c.offset >= BlockSize {
		c.ReadEnd()
	}
	c.last = StatusOK
	return nil
}

// ReadEnd closes an open partial-block transfer, clocking out the rest of the
// block and its CRC.
func (c *Card) ReadEnd() {
	if !c.inBlock {
		return
	}
	for c.offset < BlockSize+2 {
		c.transfer(0xFF)
		c.offset++
	}
	c.deselect()
	c.inBlock = false
}

// ReadStart opens a multi-block read at the given block. Blocks are fetched
// in order with ReadNext until ReadStop terminates the transfer.
func (c *Card) ReadStart(block uint32) error {
	if !c.initialized {
		return c.fail(StatusInitFailed)
	}
	c.ReadEnd()
	r1, err := c.commandKeepCS(cmdReadMultiple, c.address(block))
	if err != nil {
		return err
	}
	if r1 != 0 {
		c.deselect()
		return c.fail(StatusReadCmdFailed)
	}
	return nil
}

// ReadNext receives one 512-byte block within an open multi-block read.
func (c *Card) ReadNext(dst []byte) error {
	if len(dst) < BlockSize {
		return c.fail(StatusShortRead)
	}
	if err := c.waitToken(); err != nil {
		c.deselect()
		return err
	}
	if err := c.readBytes(dst[:BlockSize]); err != nil {
		return err
	}
	// CRC.
	c.transfer(0xFF)
	c.transfer(0xFF)
	return nil
}

// ReadStop terminates a multi-block read with CMD12. The card may still be
// transmitting when the frame goes out, so the frame is sent without the
// usual ready wait and the response poll discards the stuff byte.
func (c *Card) ReadStop() error {
	c.cmdbuf = [6]byte{0x40 | cmdStopTransmission, 0, 0, 0, 0, 0x01}
	if err := c.writeBytes(c.cmdbuf[:]); err != nil {
		return err
	}
	c.transfer(0xFF) // stuff byte
	r1 := byte(0xFF)
	for i := 0; i < 20; i++ {
		b, err := c.transfer(0xFF)
		if err != nil {
			return err
		}
		if b&0x80 == 0 {
			r1 = b
			break
		}
	}
	ready := c.waitNotBusy(c.cfg.ReadTimeout)
	c.deselect()
	c.transfer(0xFF)
	if r1 != 0 || !ready {
		return c.fail(StatusReadCmdFailed)
	}
	c.last = StatusOK
	return nil
}

// WriteStart opens a multi-block write at the given block. preErase passes an
// ACMD23 hint for the number of blocks about to be written.
func (c *Card) WriteStart(block, preErase uint32) error {
	if !c.initialized {
		return c.fail(StatusInitFailed)
	}
	if preErase > 0 {
		c.appCommand(acmdSetWrBlkErase, preErase)
	}
	r1, err := c.commandKeepCS(cmdWriteMultiple, c.address(block))
	if err != nil {
		return err
	}
	if r1 != 0 {
		c.deselect()
		return c.fail(StatusWriteCmdFailed)
	}
	return nil
}

// WriteData sends one 512-byte block within an open multi-block write.
func (c *Card) WriteData(src []byte) error {
	if len(src) < BlockSize {
		return c.fail(StatusShortRead)
	}
	c.transfer(tokenWriteMultiple)
	if err := c.writeBytes(src[:BlockSize]); err != nil {
		return err
	}
	c.transfer(0xFF)
	c.transfer(0xFF)
	resp, err := c.transfer(0xFF)
	if err != nil {
		return err
	}
	if resp&0x1F != 0x05 {
		c.deselect()
		return c.fail(StatusWriteDataFailed)
	}
	if !c.waitNotBusy(c.cfg.WriteTimeout) {
		c.deselect()
		return c.fail(StatusWriteBusyTimeout)
	}
	return nil
}

// WriteStop terminates a multi-block write with the stop transmission token.
func (c *Card) WriteStop() error {
	if !c.waitNotBusy(c.cfg.WriteTimeout) {
		return c.fail(StatusWriteBusyTimeout)
	}
	c.transfer(tokenStopTran)
	if !c.waitNotBusy(c.cfg.WriteTimeout) {
		return c.fail(StatusWriteBusyTimeout)
	}
	c.deselect()
	c.last = StatusOK
	return nil
}

// ReadRegister reads a 16-byte card register, CMD9 for CSD or CMD10 for CID.
func (c *Card) ReadRegister(cmd uint8, buf *[16]byte) error {
	r1, err := c.commandKeepCS(cmd, 0)
	if err != nil {
		return err
	}
	if r1 > 1 {
		c.deselect()
		return c.fail(StatusReadCmdFailed)
	}
	if err := c.waitToken(); err != nil {
		c.deselect()
		return err
	}
	if err := c.readBytes(buf[:]); err != nil {
		return err
	}
	c.transfer(0xFF)
	c.transfer(0xFF)
	c.deselect()
	return nil
}

// Size returns the card capacity in 512-byte blocks, decoded from the CSD.
func (c *Card) Size() (uint32, error) {
	var csd [16]byte
	if err := c.ReadRegister(cmdSendCSD, &csd); err != nil {
		return 0, err
	}
	switch csd[0] >> 6 {
	case 1: // CSD v2
		csize := uint32(csd[7]&0x3F)<<16 | uint32(csd[8])<<8 | uint32(csd[9])
		return (csize + 1) << 10, nil
	case 0: // CSD v1
		readBlLen := csd[5] & 0x0F
		csize := uint32(csd[6]&0x03)<<10 | uint32(csd[7])<<2 | uint32(csd[8]>>6)
		csizeMult := (csd[9]&0x03)<<1 | csd[10]>>7
		blocknr := (csize + 1) << (csizeMult + 2)
		return blocknr << readBlLen / BlockSize, nil
	}
	return 0, c.fail(StatusUnknownError)
}

// CID reads the card identification register.
func (c *Card) CID() ([16]byte, error) {
	var cid [16]byte
	err := c.ReadRegister(cmdSendCID, &cid)
	return cid, err
}

// Erase erases the inclusive block range [firstBlock, lastBlock].
func (c *Card) Erase(firstBlock, lastBlock uint32) error {
	if !c.initialized {
		return c.fail(StatusInitFailed)
	}
	first, last := c.address(firstBlock), c.address(lastBlock)
	for _, step := range [...]struct {
		cmd uint8
		arg uint32
	}{{cmdEraseStart, first}, {cmdEraseEnd, last}, {cmdErase, 0}} {
		r1, err := c.command(step.cmd, step.arg)
		if err != nil {
			return err
		}
		if r1 != 0 {
			return c.fail(StatusEraseError)
		}
	}
	c.cfg.CS(true)
	busy := !c.waitNotBusy(c.cfg.EraseTimeout)
	c.deselect()
	if busy {
		return c.fail(StatusEraseError)
	}
	c.last = StatusOK
	return nil
}

// Busy reports whether the card is still programming.
func (c *Card) Busy() bool {
	c.cfg.CS(true)
	b, _ := c.transfer(0xFF)
	c.cfg.CS(false)
	return b != 0xFF
}

// Low level command plumbing.

func (c *Card) transfer(b byte) (byte, error) {
	w := [1]byte{b}
	if err := c.spi.Tx(w[:], c.iobuf[:]); err != nil {
		return 0xFF, fmt.Errorf("sdcard: spi transfer: %w", err)
	}
	return c.iobuf[0], nil
}

var ffBlock [BlockSize]byte

func init() {
	for i := range ffBlock {
		ffBlock[i] = 0xFF
	}
}

func (c *Card) readBytes(dst []byte) error {
	for len(dst) > 0 {
		n := min(len(dst), BlockSize)
		if err := c.spi.Tx(ffBlock[:n], dst[:n]); err != nil {
			return fmt.Errorf("sdcard: spi read: %w", err)
		}
		dst = dst[n:]
	}
	return nil
}

func (c *Card) writeBytes(src []byte) error {
	var sink [BlockSize]byte
	for len(src) > 0 {
		n := min(len(src), BlockSize)
		if err := c.spi.Tx(src[:n], sink[:n]); err != nil {
			return fmt.Errorf("sdcard: spi write: %w", err)
		}
		src = src[n:]
	}
	return nil
}

func (c *Card) deselect() {
	c.cfg.CS(false)
}

func (c *Card) command(cmd uint8, arg uint32) (byte, error) {
	return c.commandCore(cmd, arg, nil, false)
}

func (c *Card) commandKeepCS(cmd uint8, arg uint32) (byte, error) {
	return c.commandCore(cmd, arg, nil, true)
}

func (c *Card) commandResp(cmd uint8, arg uint32, out []byte) (byte, error) {
	return c.commandCore(cmd, arg, out, false)
}

func (c *Card) appCommand(cmd uint8, arg uint32) (byte, error) {
	r1, err := c.command(cmdAppCmd, 0)
	if err != nil || r1 > 1 {
		return r1, err
	}
	return c.command(cmd, arg)
}

// commandCore sends a 6-byte command frame and reads R1, plus out for R3/R7
// responses. With keepCS the chip stays selected for a following data phase.
func (c *Card) commandCore(cmd uint8, arg uint32, out []byte, keepCS bool) (byte, error) {
	c.cfg.CS(true)
	if cmd != cmdGoIdleState && !c.waitNotBusy(500*time.Millisecond) {
		c.deselect()
		return 0xFF, nil
	}
	c.cmdbuf = [6]byte{
		0x40 | cmd,
		byte(arg >> 24),
		byte(arg >> 16),
		byte(arg >> 8),
		byte(arg),
		0x01, // dummy CRC and end bit
	}
	// Real CRCs are only checked while the card is in idle state.
	switch cmd {
	case cmdGoIdleState:
		c.cmdbuf[5] = 0x95
	case cmdSendIfCond:
		c.cmdbuf[5] = 0x87
	}
	if err := c.writeBytes(c.cmdbuf[:]); err != nil {
		return 0xFF, err
	}
	r1 := byte(0xFF)
	for i := 0; i < 20; i++ {
		b, err := c.transfer(0xFF)
		if err != nil {
			return 0xFF, err
		}
		if b&0x80 == 0 {
			r1 = b
			break
		}
	}
	if len(out) > 0 {
		if err := c.readBytes(out); err != nil {
			return r1, err
		}
	}
	if !keepCS {
		c.deselect()
		c.transfer(0xFF)
	}
	return r1, nil
}

func (c *Card) waitNotBusy(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		b, err := c.transfer(0xFF)
		if err != nil {
			return false
		}
		if b == 0xFF {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
	}
}

func (c *Card) waitToken() error {
	deadline := time.Now().Add(c.cfg.ReadTimeout)
	for {
		tok, err := c.transfer(0xFF)
		if err != nil {
			return err
		}
		if tok != 0xFF {
			if tok != tokenData {
				return c.fail(StatusReadBadToken)
			}
			return nil
		}
		if time.Now().After(deadline) {
			return c.fail(StatusReadTokenTimeout)
		}
	}
}
