package trace

import (
	"bufio"
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/napolitain/bbtrace/device"
)

const counterSize = 4

// Instrumenter is the counting session of one kernel launch. It borrows its
// KernelInfo and owns the host copy of the counters.
type Instrumenter struct {
	Info *KernelInfo
	// Stamp is the creation time in microseconds, used to name trace files.
	Stamp int64

	counters []uint32
}

// NewInstrumenter returns a session with zeroed counters.
func NewInstrumenter(info *KernelInfo) *Instrumenter {
	return &Instrumenter{
		Info:     info,
		Stamp:    time.Now().UnixMicro(),
		counters: make([]uint32, info.InstrSize),
	}
}

// Counters returns the host counters, indexed by KernelInfo.Index.
func (i *Instrumenter) Counters() []uint32 {
	return i.counters
}

// Count returns the host counter of (block, thread, bblock).
func (i *Instrumenter) Count(block, thread, bblock int) uint32 {
	return i.counters[i.Info.Index(block, thread, bblock)]
}

// ToDevice allocates the device counter buffer and copies the host
// counters into it.
func (i *Instrumenter) ToDevice(dev *device.Device) (device.Ptr, error) {
	ptr, err := dev.Malloc(len(i.counters) * counterSize)
	if err != nil {
		return device.Ptr{}, err
	}
	if err := device.Upload(dev, ptr, i.counters); err != nil {
		_ = dev.Free(ptr)
		return device.Ptr{}, err
	}
	return ptr, nil
}

// FromDevice copies the device counters back into the host buffer.
func (i *Instrumenter) FromDevice(dev *device.Device, ptr device.Ptr) error {
	return device.Download(dev, i.counters, ptr)
}

// MustToDevice is ToDevice for generated code; it panics with the
// *device.Error.
func (i *Instrumenter) MustToDevice(dev *device.Device) device.Ptr {
	ptr, err := i.ToDevice(dev)
	if err != nil {
		panic(err)
	}
	return ptr
}

// MustFromDevice is FromDevice for generated code; it panics with the
// *device.Error.
func (i *Instrumenter) MustFromDevice(dev *device.Device, ptr device.Ptr) {
	if err := i.FromDevice(dev, ptr); err != nil {
		panic(err)
	}
}

// Prefix is the default trace file name without extension.
func (i *Instrumenter) Prefix() string {
	return fmt.Sprintf("%s_%d", i.Info.Name, i.Stamp)
}

// DumpCsv writes one row per counter cell in (block, thread, bblock) order
// and returns the file written. An empty path means {name}_{stamp}.csv.
func (i *Instrumenter) DumpCsv(path string) (string, error) {
	if path == "" {
		path = i.Prefix() + ".csv"
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create csv trace: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"block", "thread", "bblock", "count"}); err != nil {
		return "", err
	}

	ki := i.Info
	row := make([]string, 4)
	for block := 0; block < ki.TotalBlocks; block++ {
		for thread := 0; thread < ki.ThreadsPerBlock; thread++ {
			for bblock := 0; bblock < ki.BasicBlocks; bblock++ {
				row[0] = strconv.Itoa(block)
				row[1] = strconv.Itoa(thread)
				row[2] = strconv.Itoa(bblock)
				row[3] = strconv.FormatUint(uint64(i.counters[ki.Index(block, thread, bblock)]), 10)
				if err := w.Write(row); err != nil {
					return "", err
				}
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("write csv trace: %w", err)
	}
	return path, f.Close()
}

// DumpBin writes the raw counters, little endian, with no header, and
// returns the file written. An empty path means {name}_{stamp}.hiptrace.
func (i *Instrumenter) DumpBin(path string) (string, error) {
	if path == "" {
		path = i.Prefix() + ".hiptrace"
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create binary trace: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, i.counters); err != nil {
		return "", fmt.Errorf("write binary trace: %w", err)
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("write binary trace: %w", err)
	}
	return path, f.Close()
}

// LoadBin reads a binary trace written for info.
func LoadBin(path string, info *KernelInfo) (*Instrumenter, error) {
	if err := info.Validate(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read binary trace: %w", err)
	}
	if want := info.InstrSize * counterSize; len(data) != want {
		return nil, fmt.Errorf("binary trace %s has %d bytes, %s needs %d", path, len(data), info.Name, want)
	}

	instr := &Instrumenter{Info: info, counters: make([]uint32, info.InstrSize)}
	for j := range instr.counters {
		instr.counters[j] = binary.LittleEndian.Uint32(data[j*counterSize:])
	}
	instr.Stamp = stampFromName(path, info.Name)
	return instr, nil
}

// stampFromName recovers the stamp of a default trace file name.
func stampFromName(path, kernel string) int64 {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	stamp, err := strconv.ParseInt(strings.TrimPrefix(base, kernel+"_"), 10, 64)
	if err != nil {
		return 0
	}
	return stamp
}
