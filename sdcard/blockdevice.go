package sdcard

// Block device adapter. These methods let a Card back a FAT volume directly.

// ReadBlocks reads len(dst)/512 consecutive blocks starting at startBlock.
// Runs of more than one block go through a single CMD18 transfer.
func (c *Card) ReadBlocks(dst []byte, startBlock int64) error {
	if len(dst)%BlockSize != 0 {
		return c.fail(StatusShortRead)
	}
	if len(dst) == BlockSize {
		return c.ReadBlock(uint32(startBlock), dst)
	}
	if err := c.ReadStart(uint32(startBlock)); err != nil {
		return err
	}
	for off := 0; off < len(dst); off += BlockSize {
		if err := c.ReadNext(dst[off : off+BlockSize]); err != nil {
			c.ReadStop()
			return err
		}
	}
	return c.ReadStop()
}

// WriteBlocks writes len(data)/512 consecutive blocks starting at startBlock.
// Runs of more than one block go through a single CMD25 transfer.
func (c *Card) WriteBlocks(data []byte, startBlock int64) error {
	if len(data)%BlockSize != 0 {
		return c.fail(StatusShortRead)
	}
	nblocks := len(data) / BlockSize
	if nblocks == 1 {
		return c.WriteBlock(uint32(startBlock), data)
	}
	if err := c.WriteStart(uint32(startBlock), uint32(nblocks)); err != nil {
		return err
	}
	for off := 0; off < len(data); off += BlockSize {
		if err := c.WriteData(data[off : off+BlockSize]); err != nil {
			return err
		}
	}
	return c.WriteStop()
}

// EraseBlocks erases numBlocks blocks starting at startBlock.
func (c *Card) EraseBlocks(startBlock, numBlocks int64) error {
	if numBlocks <= 0 {
		return nil
	}
	return c.Erase(uint32(startBlock), uint32(startBlock+numBlocks-1))
}

// Mode reports the device access mode: 0 before initialization, read-write
// afterwards.
func (c *Card) Mode() uint8 {
	if !c.initialized {
		return 0
	}
	return 3
}
