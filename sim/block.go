package sim

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vmforge/virtguest/virtio"
)

// block request types
const (
	blkTIn    = 0
	blkTOut   = 1
	blkTFlush = 4
)

// block request status
const (
	blkSOK     = 0
	blkSIOErr  = 1
	blkSUnsupp = 2
)

// Storage is the basic interface to a block device's backing storage. It is
// read-only: to enable writes, storage types should also implement
// io.WriterAt, and optionally Flusher to commit a write cache.
type Storage interface {
	io.ReaderAt

	// Size returns the storage size in bytes.
	Size() (int64, error)
}

// Flusher commits buffered writes to stable storage.
type Flusher interface {
	Flush() error
}

// MemStorage is read-write block storage backed by a byte slice.
type MemStorage struct {
	Bytes []byte
}

// FileStorage is read-write block storage backed by a file.
type FileStorage struct {
	File *os.File
}

// HTTPStorage is read-only block storage backed by an HTTP URL. The server
// must support HEAD requests and GET requests with a Range header.
type HTTPStorage struct {
	URL string
}

// blkConfig is the leading slice of struct virtio_blk_config: everything
// the drivers in this module read.
type blkConfig struct {
	Capacity uint64 // in sectors
	SizeMax  uint32
	SegMax   uint32
	Geometry struct {
		Cylinders uint16
		Heads     uint8
		Sectors   uint8
	}
	BlkSize uint32 // 0 means the driver assumes 512
}

// BlockDevice emulates a virtio block device over pluggable storage.
type BlockDevice struct {

	// Storage backs the device. Storage may also implement io.WriterAt to
	// enable writes and Flusher to support flush requests.
	Storage Storage

	// ReadOnly forces the device to reject writes even when the storage
	// supports them.
	ReadOnly bool

	// SectorSize is reported in config space. Zero is passed through: the
	// driver falls back to 512.
	SectorSize uint32

	// Log receives device events. Defaults to the standard logger.
	Log *logrus.Logger

	writerAt io.WriterAt
	log      *logrus.Entry
}

func (dev *BlockDevice) DeviceID() virtio.DeviceID {
	return virtio.BlockDeviceID
}

func (dev *BlockDevice) Features() uint64 {
	return 0
}

func (dev *BlockDevice) Ready(negotiatedFeatures uint64) error {
	if !dev.ReadOnly {
		dev.writerAt, _ = dev.Storage.(io.WriterAt)
	}

	return nil
}

// sectorSize returns the effective sector size used for request addressing.
func (dev *BlockDevice) sectorSize() uint32 {
	if dev.SectorSize == 0 {
		return 512
	}

	return dev.SectorSize
}

func (dev *BlockDevice) logger() *logrus.Entry {
	if dev.log == nil {
		l := dev.Log
		if l == nil {
			l = logrus.StandardLogger()
		}

		dev.log = l.WithField("subsystem", "sim-blk")
	}

	return dev.log
}

// Notify consumes request chains: a read-only header, an optional data
// buffer and a device-writable status byte.
func (dev *BlockDevice) Notify(queueNum int, q *Queue) error {
	if queueNum != 0 {
		return errors.Errorf("block device has no queue %d", queueNum)
	}

	for {
		c, err := q.Next()
		if err != nil {
			return err
		}

		if c == nil {
			return nil
		}

		if err := dev.handle(c); err != nil {
			return err
		}
	}
}

func (dev *BlockDevice) handle(c *Chain) error {
	if c.Len() < 2 || c.Len() > 3 {
		return errors.Errorf("bad chain length %d", c.Len())
	}

	if !c.IsRO(0) || !c.IsWO(c.Len()-1) {
		return errors.New("bad chain direction flags")
	}

	hdr, err := c.Data(0)
	if err != nil {
		return err
	}

	status, err := c.Data(c.Len() - 1)
	if err != nil {
		return err
	}

	if len(hdr) != 16 || len(status) != 1 {
		return errors.Errorf("bad buffer sizes: hdr %d, status %d", len(hdr), len(status))
	}

	var (
		optype = le.Uint32(hdr)
		sector = le.Uint64(hdr[8:])
		off    = int64(sector) * int64(dev.sectorSize())
	)

	var n int
	status[0] = blkSOK

	switch {
	case optype == blkTIn && c.Len() == 3 && c.IsWO(1):
		data, err := c.Data(1)
		if err != nil {
			return err
		}

		n, err = dev.Storage.ReadAt(data, off)
		if err != nil {
			status[0] = blkSIOErr
			dev.logger().WithError(err).Error("read failed")
		}

	case optype == blkTOut && c.Len() == 3 && c.IsRO(1):
		if dev.writerAt == nil {
			status[0] = blkSUnsupp
			break
		}

		data, err := c.Data(1)
		if err != nil {
			return err
		}

		if _, err = dev.writerAt.WriteAt(data, off); err != nil {
			status[0] = blkSIOErr
			dev.logger().WithError(err).Error("write failed")
		}

	case optype == blkTFlush && c.Len() == 2:
		if f, ok := dev.Storage.(Flusher); ok {
			if err := f.Flush(); err != nil {
				status[0] = blkSIOErr
				dev.logger().WithError(err).Error("flush failed")
			}
		}

	default:
		status[0] = blkSUnsupp
	}

	dev.logger().WithFields(logrus.Fields{
		"type":   optype,
		"sector": sector,
		"status": status[0],
	}).Debug("request")

	return c.Release(n + 1)
}

// ReadConfig serves the device config space: capacity and block size.
func (dev *BlockDevice) ReadConfig(p []byte, off int) error {
	sz, err := dev.Storage.Size()
	if err != nil {
		return err
	}

	ss := int64(dev.sectorSize())
	if sz%ss != 0 {
		return errors.Errorf("storage size %d is not a multiple of the %d-byte sector size", sz, ss)
	}

	cfg := blkConfig{
		Capacity: uint64(sz / ss),
		BlkSize:  dev.SectorSize,
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, cfg); err != nil {
		return err
	}

	raw := buf.Bytes()
	if off < 0 || off >= len(raw) {
		return errors.Errorf("config read at %d out of range", off)
	}

	copy(p, raw[off:])
	return nil
}

// ReadAt copies from the backing slice at off into p.
func (ms *MemStorage) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off > int64(len(ms.Bytes)) {
		return 0, errors.Errorf("read at %d beyond storage", off)
	}

	return copy(p, ms.Bytes[off:]), nil
}

// WriteAt copies p into the backing slice at off.
func (ms *MemStorage) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off > int64(len(ms.Bytes)) {
		return 0, errors.Errorf("write at %d beyond storage", off)
	}

	return copy(ms.Bytes[off:], p), nil
}

// Size returns the size of the backing slice in bytes.
func (ms *MemStorage) Size() (int64, error) {
	return int64(len(ms.Bytes)), nil
}

// ReadAt reads from the backing file.
func (fs *FileStorage) ReadAt(p []byte, off int64) (n int, err error) {
	return fs.File.ReadAt(p, off)
}

// WriteAt writes to the backing file.
func (fs *FileStorage) WriteAt(p []byte, off int64) (n int, err error) {
	return fs.File.WriteAt(p, off)
}

// Size stats the backing file and returns its size in bytes.
func (fs *FileStorage) Size() (int64, error) {
	info, err := fs.File.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// Flush syncs the backing file.
func (fs *FileStorage) Flush() error {
	return fs.File.Sync()
}

// ReadAt gets the backing URL with a Range header generated from off and len(p).
func (hs *HTTPStorage) ReadAt(p []byte, off int64) (n int, err error) {
	req, err := http.NewRequest(http.MethodGet, hs.URL, nil)
	if err != nil {
		return 0, err
	}

	req.Header.Set("range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusPartialContent {
		return 0, errors.Errorf("GET %s: status %d != %d", hs.URL, res.StatusCode, http.StatusPartialContent)
	}

	n, err = io.ReadFull(res.Body, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}

	return
}

// Size sends a HEAD request to the backing URL and parses the
// Content-Length response header.
func (hs *HTTPStorage) Size() (int64, error) {
	res, err := http.Head(hs.URL)
	if err != nil {
		return 0, err
	}

	if res.StatusCode != http.StatusOK {
		return 0, errors.Errorf("HEAD %s: status %d != %d", hs.URL, res.StatusCode, http.StatusOK)
	}

	cl := res.Header.Get("content-length")
	return strconv.ParseInt(cl, 10, 64)
}
