package picofat

import (
	"errors"
	"io"
	"testing"
)

// FuzzFS drives a mounted volume with a sequence of encoded operations and
// checks the volume stays consistent. Operation encoding, starting with the
// least significant bits:
//
//   - OP:       First 4 bits are the operation to perform.
//   - WHO:      Next 4 bits select the file name the operation targets.
//   - RESERVED: Middle bits are reserved.
//   - DATASIZE: Last 16 bits is the size of the data to read/write, if applicable.
func FuzzFS(f *testing.F) {
	const (
		opChangeDir uint64 = iota
		opCreateDir
		opCreateFile
		opOpenFile
		opReadFile
		opWriteFile
		opCloseFile
		opRemove

		datasizeOff = 48
		whoOff      = 4
	)
	genName := func(dir string, who uint8) string {
		return dir + "/" + string('a'+rune(who%8))
	}
	writeData := make([]byte, 1<<16)
	readData := make([]byte, 1<<16)
	for i := range writeData {
		writeData[i] = byte(i)
	}
	f.Add(opChangeDir, opCreateFile, opWriteFile|(1000<<datasizeOff),
		opCloseFile, opOpenFile, opReadFile|(1000<<datasizeOff),
		opChangeDir, opCreateFile|(1<<whoOff), opWriteFile|(1000<<datasizeOff),
		opCloseFile, opRemove|(1<<whoOff), opCreateDir|(2<<whoOff),
	)
	f.Add(opCreateDir, opCreateFile|(3<<whoOff), opWriteFile|(60000<<datasizeOff),
		opWriteFile|(60000<<datasizeOff), opCloseFile, opRemove|(3<<whoOff),
		opOpenFile|(3<<whoOff), opCreateFile|(3<<whoOff), opWriteFile|(5<<datasizeOff),
		opCloseFile, opChangeDir, opRemove,
	)
	f.Fuzz(func(t *testing.T, fsop0, fsop1, fsop2, fsop3, fsop4, fsop5, fsop6, fsop7, fsop8, fsop9, fsop10, fsop11 uint64) {
		fsys := mountFresh(t)
		fsops := [...]uint64{fsop0, fsop1, fsop2, fsop3, fsop4, fsop5, fsop6, fsop7, fsop8, fsop9, fsop10, fsop11}

		var file File
		open := false
		dir := ""
		for _, fsop := range fsops {
			op := fsop & 0xf
			who := byte(fsop>>whoOff) & 0xf
			datasize := uint16(fsop >> datasizeOff)
			switch op {
			case opChangeDir:
				if dir == "" {
					dir = "/fuzzdir"
					fsys.Mkdir(dir)
				} else {
					dir = ""
				}

			case opCreateDir:
				err := fsys.Mkdir(genName(dir, who))
				if err != nil && !errors.Is(err, ErrExist) && !errors.Is(err, ErrVolumeFull) {
					panic(err)
				}

			case opCreateFile:
				if open {
					break
				}
				err := fsys.OpenFile(&file, genName(dir, who), ModeRW|ModeCreateAlways)
				if err == nil {
					open = true
				} else if !errors.Is(err, ErrIsDirectory) && !errors.Is(err, ErrVolumeFull) {
					panic(err)
				}

			case opOpenFile:
				if open {
					break
				}
				err := fsys.OpenFile(&file, genName(dir, who), ModeRead)
				if err == nil {
					open = true
				} else if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrIsDirectory) {
					panic(err)
				}

			case opCloseFile:
				if !open {
					break
				}
				if err := file.Close(); err != nil {
					panic(err)
				}
				open = false

			case opWriteFile:
				if !open || file.Mode()&ModeWrite == 0 {
					break
				}
				n, err := file.Write(writeData[:datasize])
				if errors.Is(err, ErrVolumeFull) {
					break
				}
				if err != nil {
					panic(err)
				}
				if n != int(datasize) {
					panic("short write without error")
				}

			case opReadFile:
				if !open || file.Mode()&ModeRead == 0 {
					break
				}
				_, err := file.Read(readData[:datasize])
				if err != nil && err != io.EOF {
					panic(err)
				}

			case opRemove:
				if open {
					break // The one open handle may be the removal target.
				}
				err := fsys.Remove(genName(dir, who))
				if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrDirNotEmpty) {
					panic(err)
				}
			}
		}
		if open {
			if err := file.Close(); err != nil {
				panic(err)
			}
		}
		// Whatever sequence ran, the volume must come out consistent.
		report, err := fsys.CheckVolume()
		if err != nil {
			t.Fatal(err)
		}
		if !report.Clean() {
			t.Fatalf("volume inconsistent after fuzz: %v", report.Problems)
		}
	})
}
