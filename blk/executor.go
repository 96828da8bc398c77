package blk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/hashicorp/go-hclog"
	"github.com/mdlayher/virtio/memory"
)

// Feature bits relevant to request execution.
const (
	FeatureRO          = 5
	FeatureFlush       = 9
	FeatureDiscard     = 13
	FeatureWriteZeroes = 14
)

// Request status values written to the status descriptor.
const (
	StatusOK     byte = 0
	StatusIOErr  byte = 1
	StatusUnsupp byte = 2
)

// WriteZeroesUnmap allows a write zeroes segment to deallocate its range.
const WriteZeroesUnmap uint32 = 1

var (
	// ErrInvalidAccess is returned when a request touches sectors past the
	// end of the device.
	ErrInvalidAccess = errors.New("blk: access out of device range")

	// ErrUnsupported is returned for requests the device does not offer.
	ErrUnsupported = errors.New("blk: unsupported request")

	// ErrInvalidFlags is returned for discard and write zeroes segments with
	// unknown flags.
	ErrInvalidFlags = errors.New("blk: invalid segment flags")
)

// A Syncer is a backend which can commit written data to stable storage.
// *os.File implements Syncer.
type Syncer interface {
	Sync() error
}

// StdIOConfig configures a StdIOBackend. The zero value is valid.
type StdIOConfig struct {
	// Features are the negotiated virtio-blk feature bits.
	Features uint64

	// DeviceID is returned by GetDeviceID requests. It is truncated or
	// zero padded to DeviceIDLen bytes.
	DeviceID []byte

	// Logger receives reports of failed requests. If nil, nothing is
	// logged.
	Logger hclog.Logger
}

// A StdIOBackend executes virtio-blk requests against an io.ReadWriteSeeker.
// Backends which are *os.File on Linux use fallocate for discard and write
// zeroes requests; other backends have zeroes written to them instead.
type StdIOBackend struct {
	b          io.ReadWriteSeeker
	numSectors uint64
	features   uint64
	id         [DeviceIDLen]byte
	log        hclog.Logger
}

// NewStdIOBackend creates a StdIOBackend over b. The device capacity is the
// size of b in whole sectors.
func NewStdIOBackend(b io.ReadWriteSeeker, cfg *StdIOConfig) (*StdIOBackend, error) {
	if cfg == nil {
		cfg = &StdIOConfig{}
	}

	size, err := b.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("blk: determine backend size: %w", err)
	}

	s := &StdIOBackend{
		b:          b,
		numSectors: uint64(size) >> SectorShift,
		features:   cfg.Features,
		log:        cfg.Logger,
	}
	copy(s.id[:], cfg.DeviceID)

	if s.log == nil {
		s.log = hclog.NewNullLogger()
	}

	return s, nil
}

// NumSectors returns the capacity of the device in sectors.
func (s *StdIOBackend) NumSectors() uint64 { return s.numSectors }

// Features returns the negotiated feature bits.
func (s *StdIOBackend) Features() uint64 { return s.features }

func (s *StdIOBackend) hasFeature(bit uint) bool { return s.features&(1<<bit) != 0 }

// Execute processes r and writes its status to guest memory. It returns the
// number of bytes written to the guest, including the status byte. A request
// which failed still has its status written, and Execute returns 1 along
// with the error.
func (s *StdIOBackend) Execute(mem memory.GuestMemory, r *Request) (uint32, error) {
	n, perr := s.ProcessRequest(mem, r)

	status := StatusOK
	if perr != nil {
		n = 0
		status = StatusIOErr
		if errors.Is(perr, ErrUnsupported) {
			status = StatusUnsupp
		}

		s.log.Debug("request failed",
			"type", r.Type.String(), "sector", r.Sector, "error", perr)
	}

	if err := mem.WriteAt([]byte{status}, r.StatusAddr); err != nil {
		return 0, fmt.Errorf("blk: write status: %w", err)
	}

	return n + 1, perr
}

// ProcessRequest executes r against the backend and returns the number of
// bytes written to guest memory. The status byte is not written.
func (s *StdIOBackend) ProcessRequest(mem memory.GuestMemory, r *Request) (uint32, error) {
	switch r.Type {
	case In:
		if err := s.checkAccess(r.Sector, r.TotalDataLen()>>SectorShift); err != nil {
			return 0, err
		}
		return s.read(mem, r)
	case Out:
		if s.hasFeature(FeatureRO) {
			return 0, fmt.Errorf("%w: write to read-only device", ErrUnsupported)
		}
		if err := s.checkAccess(r.Sector, r.TotalDataLen()>>SectorShift); err != nil {
			return 0, err
		}
		return 0, s.write(mem, r)
	case Flush:
		if !s.hasFeature(FeatureFlush) {
			return 0, nil
		}
		if sy, ok := s.b.(Syncer); ok {
			if err := sy.Sync(); err != nil {
				return 0, fmt.Errorf("blk: sync: %w", err)
			}
		}
		return 0, nil
	case GetDeviceID:
		if len(r.Data) == 0 {
			return 0, ErrDescriptorChainTooShort
		}
		if err := mem.WriteAt(s.id[:], r.Data[0].Addr); err != nil {
			return 0, err
		}
		return DeviceIDLen, nil
	case Discard:
		if !s.hasFeature(FeatureDiscard) {
			return 0, fmt.Errorf("%w: %s", ErrUnsupported, r.Type)
		}
		return 0, s.segments(mem, r)
	case WriteZeroes:
		if s.hasFeature(FeatureRO) || !s.hasFeature(FeatureWriteZeroes) {
			return 0, fmt.Errorf("%w: %s", ErrUnsupported, r.Type)
		}
		return 0, s.segments(mem, r)
	default:
		return 0, fmt.Errorf("%w: type %d", ErrUnsupported, r.RawType)
	}
}

func (s *StdIOBackend) checkAccess(sector, n uint64) error {
	end := sector + n
	if end < sector || end > s.numSectors {
		return ErrInvalidAccess
	}

	return nil
}

func (s *StdIOBackend) seek(sector uint64) error {
	if sector > math.MaxInt64>>SectorShift {
		return ErrInvalidAccess
	}

	_, err := s.b.Seek(int64(sector<<SectorShift), io.SeekStart)
	return err
}

func (s *StdIOBackend) read(mem memory.GuestMemory, r *Request) (uint32, error) {
	if err := s.seek(r.Sector); err != nil {
		return 0, err
	}

	var total uint32
	for _, d := range r.Data {
		sl, err := memory.NewSlice(mem, d.Addr, d.Len)
		if err != nil {
			return total, err
		}

		n, err := io.CopyN(io.NewOffsetWriter(sl, 0), s.b, int64(d.Len))
		total += uint32(n)
		if err != nil {
			return total, fmt.Errorf("blk: read: %w", err)
		}
	}

	return total, nil
}

func (s *StdIOBackend) write(mem memory.GuestMemory, r *Request) error {
	if err := s.seek(r.Sector); err != nil {
		return err
	}

	for _, d := range r.Data {
		sl, err := memory.NewSlice(mem, d.Addr, d.Len)
		if err != nil {
			return err
		}

		if _, err := io.CopyN(s.b, io.NewSectionReader(sl, 0, int64(d.Len)), int64(d.Len)); err != nil {
			return fmt.Errorf("blk: write: %w", err)
		}
	}

	return nil
}

// A segment is a range of a discard or write zeroes request.
type segment struct {
	sector     uint64
	numSectors uint32
	flags      uint32
}

func (s *StdIOBackend) segments(mem memory.GuestMemory, r *Request) error {
	var b [SegmentSize]byte
	for _, d := range r.Data {
		for off := uint32(0); off+SegmentSize <= d.Len; off += SegmentSize {
			if err := mem.ReadAt(b[:], d.Addr.UncheckedAdd(uint64(off))); err != nil {
				return err
			}

			seg := segment{
				sector:     binary.LittleEndian.Uint64(b[0:8]),
				numSectors: binary.LittleEndian.Uint32(b[8:12]),
				flags:      binary.LittleEndian.Uint32(b[12:16]),
			}
			if err := s.zero(r.Type, seg); err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *StdIOBackend) zero(typ RequestType, seg segment) error {
	mode := modeZeroRange
	switch typ {
	case Discard:
		if seg.flags != 0 {
			return ErrInvalidFlags
		}
		mode = modePunchHole
	case WriteZeroes:
		if seg.flags&^WriteZeroesUnmap != 0 {
			return ErrInvalidFlags
		}
		if seg.flags&WriteZeroesUnmap != 0 {
			mode = modePunchHole
		}
	}

	if err := s.checkAccess(seg.sector, uint64(seg.numSectors)); err != nil {
		return err
	}

	off := int64(seg.sector << SectorShift)
	n := int64(seg.numSectors) << SectorShift

	err := fallocate(s.b, mode, off, n)
	if !errors.Is(err, errNoFallocate) {
		return err
	}

	return s.writeZeroes(off, n)
}

func (s *StdIOBackend) writeZeroes(off, n int64) error {
	if _, err := s.b.Seek(off, io.SeekStart); err != nil {
		return err
	}

	var zero [4096]byte
	for n > 0 {
		c := int64(len(zero))
		if c > n {
			c = n
		}
		if _, err := s.b.Write(zero[:c]); err != nil {
			return fmt.Errorf("blk: write zeroes: %w", err)
		}
		n -= c
	}

	return nil
}
