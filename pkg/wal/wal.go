// Package wal implements the kernel's segmented write-ahead log: a
// directory of numbered, self-describing segment files forming one
// global hash-chained sequence, plus a manifest cache of the last
// known position.
//
// The wrap-an-external-store pattern here generalizes to the kernel's
// own segment files (no external DB) for durability/connection
// concerns. The manifest cache is wired to the
// github.com/cometbft/cometbft-db dependency, the same way a KVAdapter
// wraps dbm.DB — repointed here at caching the WAL's last
// sequence/offset instead of CometBFT block state.
package wal

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/certen/decisiongraph-kernel/pkg/canon"
	"github.com/certen/decisiongraph-kernel/pkg/cell"
	"github.com/certen/decisiongraph-kernel/pkg/dgerrors"
)

const (
	schemaVersion    uint16 = 1
	segmentExtension        = ".wal"
	headerMagic      uint32 = 0x44474B31 // "DGK1"
)

// Header is the fixed-size block written once at the start of every
// segment file.
type Header struct {
	SchemaVersion uint16
	GraphID       string
	HashScheme    cell.HashScheme
}

// Record is one length-prefixed frame within a segment: the global
// sequence number, the hash of the previous record (chained across
// segment boundaries), and the raw canonical cell bytes.
type Record struct {
	Sequence       uint64
	PrevRecordHash [32]byte
	CellBytes      []byte
}

// segmentName renders the fixed-width numbered segment filename.
func segmentName(index int) string {
	return fmt.Sprintf("%08d%s", index, segmentExtension)
}

// Writer owns the active segment file of a WAL directory, rolling to a
// new numbered segment once MaxBytes is reached and sealing (chmod
// read-only) the one it rolls away from.
type Writer struct {
	dir         string
	header      Header
	maxBytes    int64
	cache       dbm.DB
	activeIndex int
	activeFile  *os.File
	activeSize  int64
	lastHash    [32]byte
	nextSeq     uint64
}

// NewWriter opens (or creates) dir as a WAL directory for header,
// rolling segments at maxBytes. cache, if non-nil, is used to persist
// the manifest's last-position entry after every append — an optional
// cometbft-db-backed acceleration of Recover, never the source of
// truth (the segment files always are).
func NewWriter(dir string, header Header, maxBytes int64, cache dbm.DB) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dgerrors.Wrap(dgerrors.KindInternalError, "create wal directory", err, nil)
	}

	manifest, err := Recover(dir)
	if err != nil {
		return nil, err
	}

	w := &Writer{dir: dir, header: header, maxBytes: maxBytes, cache: cache}
	if manifest.SegmentCount == 0 {
		if err := w.openNewSegment(0); err != nil {
			return nil, err
		}
		return w, nil
	}

	w.activeIndex = manifest.SegmentCount - 1
	w.nextSeq = manifest.NextSequence
	w.lastHash = manifest.LastRecordHash
	f, err := os.OpenFile(filepath.Join(dir, segmentName(w.activeIndex)), os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, dgerrors.Wrap(dgerrors.KindInternalError, "reopen active wal segment", err, nil)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, dgerrors.Wrap(dgerrors.KindInternalError, "stat active wal segment", err, nil)
	}
	w.activeFile = f
	w.activeSize = info.Size()
	return w, nil
}

func (w *Writer) openNewSegment(index int) error {
	path := filepath.Join(w.dir, segmentName(index))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return dgerrors.Wrap(dgerrors.KindInternalError, "create wal segment", err, map[string]any{"path": path})
	}
	n, err := writeHeader(f, w.header)
	if err != nil {
		f.Close()
		return err
	}
	w.activeFile = f
	w.activeIndex = index
	w.activeSize = int64(n)
	return nil
}

func writeHeader(f *os.File, h Header) (int, error) {
	var buf []byte
	buf = binary.BigEndian.AppendUint32(buf, headerMagic)
	buf = binary.BigEndian.AppendUint16(buf, h.SchemaVersion)
	buf = appendLengthPrefixed(buf, []byte(h.GraphID))
	buf = appendLengthPrefixed(buf, []byte(h.HashScheme))
	n, err := f.Write(buf)
	if err != nil {
		return 0, dgerrors.Wrap(dgerrors.KindWALHeader, "write wal segment header", err, nil)
	}
	return n, nil
}

func appendLengthPrefixed(buf, data []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	return append(buf, data...)
}

// Append canonicalizes c, frames it as the next Record in sequence,
// and writes it to the active segment, rolling (sealing the old
// segment read-only) first if the active segment has reached MaxBytes.
func (w *Writer) Append(c *cell.Cell) (Record, error) {
	if w.activeSize >= w.maxBytes {
		if err := w.roll(); err != nil {
			return Record{}, err
		}
	}

	payload, err := cellRecordBytes(c)
	if err != nil {
		return Record{}, err
	}

	rec := Record{Sequence: w.nextSeq, PrevRecordHash: w.lastHash, CellBytes: payload}
	frame := frameRecord(rec)

	n, err := w.activeFile.Write(frame)
	if err != nil {
		return Record{}, dgerrors.Wrap(dgerrors.KindInternalError, "write wal record", err, nil)
	}
	if err := w.activeFile.Sync(); err != nil {
		return Record{}, dgerrors.Wrap(dgerrors.KindInternalError, "sync wal segment", err, nil)
	}

	w.activeSize += int64(n)
	w.lastHash = recordHash(rec)
	w.nextSeq++

	if w.cache != nil {
		_ = w.cache.SetSync([]byte("wal:last_position"), manifestCacheValue(w.activeIndex, w.nextSeq, w.lastHash))
	}

	return rec, nil
}

func (w *Writer) roll() error {
	if err := w.activeFile.Close(); err != nil {
		return dgerrors.Wrap(dgerrors.KindInternalError, "close wal segment before roll", err, nil)
	}
	if err := os.Chmod(filepath.Join(w.dir, segmentName(w.activeIndex)), 0o444); err != nil {
		return dgerrors.Wrap(dgerrors.KindInternalError, "seal rolled wal segment", err, nil)
	}
	return w.openNewSegment(w.activeIndex + 1)
}

// Close closes the active segment file.
func (w *Writer) Close() error {
	if w.activeFile == nil {
		return nil
	}
	return w.activeFile.Close()
}

// cellRecordBytes frames the full canonical cell body alongside its
// cell_id, so a segment scan alone is enough to recover every field a
// cell carried — not just enough to recognize it went by.
func cellRecordBytes(c *cell.Cell) ([]byte, error) {
	payload := map[string]any{
		"cell_id": c.CellID(),
		"body":    c.CanonicalPayload(),
	}
	return canon.Canonicalize(payload)
}

func frameRecord(r Record) []byte {
	var buf []byte
	buf = binary.BigEndian.AppendUint64(buf, r.Sequence)
	buf = append(buf, r.PrevRecordHash[:]...)
	buf = appendLengthPrefixed(buf, r.CellBytes)
	framed := appendLengthPrefixed(nil, buf)
	return framed
}

func recordHash(r Record) [32]byte {
	b, _ := canon.Canonicalize(map[string]any{
		"sequence":         r.Sequence,
		"prev_record_hash": fmt.Sprintf("%x", r.PrevRecordHash),
		"cell_bytes":       fmt.Sprintf("%x", r.CellBytes),
	})
	return sha256Of(b)
}

func sha256Of(b []byte) [32]byte {
	sum := sha256.Sum256(b)
	return sum
}

// Manifest is the recovered, in-memory summary of a WAL directory.
type Manifest struct {
	SegmentCount   int
	NextSequence   uint64
	LastRecordHash [32]byte
	Records        []Record
}

// Recover scans every segment in dir in order, replaying records and
// verifying the hash chain. A break in the chain inside the active
// (last) segment is treated as a torn write: the tail is truncated and
// recovery proceeds. A break inside any sealed (non-last) segment is
// fatal: WALCorruption, since a sealed segment should never change
// after being rolled away from.
func Recover(dir string) (*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, dgerrors.Wrap(dgerrors.KindInternalError, "list wal directory", err, nil)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == segmentExtension {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	manifest := &Manifest{}
	var lastHash [32]byte

	for i, name := range names {
		sealed := i < len(names)-1
		recs, chainBroken, err := readSegment(filepath.Join(dir, name), lastHash)
		if err != nil {
			return nil, err
		}
		if chainBroken {
			if sealed {
				return nil, dgerrors.New(dgerrors.KindWALCorruption, "hash chain broken in sealed wal segment", map[string]any{"segment": name})
			}
			// Torn tail write in the active segment: keep what verified, drop the rest.
		}
		manifest.Records = append(manifest.Records, recs...)
		if len(recs) > 0 {
			lastHash = recordHash(recs[len(recs)-1])
			manifest.NextSequence = recs[len(recs)-1].Sequence + 1
		}
		manifest.SegmentCount++
	}
	manifest.LastRecordHash = lastHash
	return manifest, nil
}

// readSegment reads header then every well-formed record frame from
// path, returning the records verified so far and whether the chain
// broke before the file ended (a torn or corrupted tail).
func readSegment(path string, startHash [32]byte) ([]Record, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, dgerrors.Wrap(dgerrors.KindInternalError, "open wal segment", err, map[string]any{"path": path})
	}
	defer f.Close()

	if err := readAndCheckHeader(f); err != nil {
		return nil, false, err
	}

	expected := startHash
	var recs []Record
	for {
		rec, ok, err := readFrame(f)
		if err != nil {
			return recs, false, err
		}
		if !ok {
			return recs, false, nil
		}
		if rec.PrevRecordHash != expected {
			return recs, true, nil
		}
		recs = append(recs, rec)
		expected = recordHash(rec)
	}
}

func readAndCheckHeader(f *os.File) error {
	var fixed [6]byte
	if _, err := io.ReadFull(f, fixed[:]); err != nil {
		return dgerrors.Wrap(dgerrors.KindWALHeader, "read wal segment header", err, nil)
	}
	magic := binary.BigEndian.Uint32(fixed[0:4])
	version := binary.BigEndian.Uint16(fixed[4:6])
	if magic != headerMagic {
		return dgerrors.New(dgerrors.KindWALHeader, "bad wal segment magic", nil)
	}
	if version != schemaVersion {
		return dgerrors.New(dgerrors.KindWALHeader, "unsupported wal schema version", map[string]any{"version": version})
	}
	if _, err := readLengthPrefixed(f); err != nil {
		return dgerrors.Wrap(dgerrors.KindWALHeader, "read wal segment graph_id", err, nil)
	}
	if _, err := readLengthPrefixed(f); err != nil {
		return dgerrors.Wrap(dgerrors.KindWALHeader, "read wal segment hash_scheme", err, nil)
	}
	return nil
}

func readLengthPrefixed(f *os.File) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// readFrame reads one length-prefixed record frame, returning ok=false
// both at a clean EOF and at a torn (partial or malformed) frame. It
// never returns an error, so readSegment stops at a torn frame exactly
// as it does at EOF, without reporting a chain break.
func readFrame(f *os.File) (Record, bool, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Record{}, false, nil
		}
		return Record{}, false, nil // torn frame length: treat as clean stop, chain check handles it
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, frameLen)
	if _, err := io.ReadFull(f, body); err != nil {
		return Record{}, false, nil
	}

	if len(body) < 8+32+4 {
		return Record{}, false, nil
	}
	seq := binary.BigEndian.Uint64(body[0:8])
	var prevHash [32]byte
	copy(prevHash[:], body[8:40])
	cellLen := binary.BigEndian.Uint32(body[40:44])
	if len(body) < 44+int(cellLen) {
		return Record{}, false, nil
	}
	cellBytes := body[44 : 44+cellLen]

	return Record{Sequence: seq, PrevRecordHash: prevHash, CellBytes: cellBytes}, true, nil
}

func manifestCacheValue(segmentIndex int, nextSeq uint64, lastHash [32]byte) []byte {
	var buf []byte
	buf = binary.BigEndian.AppendUint32(buf, uint32(segmentIndex))
	buf = binary.BigEndian.AppendUint64(buf, nextSeq)
	buf = append(buf, lastHash[:]...)
	return buf
}
