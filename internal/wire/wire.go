package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version  byte = 1
	kindPage byte = 1

	flagHasTemp byte = 1 << 0 // header: at least one item carries a provisional id
	flagTemp    byte = 1 << 0 // item: id is provisional
)

var (
	ErrCorrupt = errors.New("listcache: corrupt entry")
	magic4     = [...]byte{'P', 'G', 'L', 'C'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Item is one list entry inside an encoded page. The id travels beside the
// payload so callers can locate, replace or drop a single entry without
// decoding every payload in the page.
type Item struct {
	ID      string
	Temp    bool
	Payload []byte
}

// Page is the decoded form of one cached list page.
//
//	magic(4) | ver(1) | kind(1=page) | flags(1) | partGen(u64 be) | keyGen(u64 be)
//	| total(u64 be) | pageSize(u16 be) | n(u32 be)
//	flags(1) | idLen(u16 be) | id(idLen) | plen(u32 be) | payload(plen) * n
type Page struct {
	PartGen  uint64
	KeyGen   uint64
	Total    uint64
	PageSize uint16
	Items    []Item
}

const (
	hdrLen  = 4 + 1 + 1 + 1 + 8 + 8 + 8 + 2 + 4
	minItem = 1 + 2 + 1 + 4 // flags + idLen + one id byte + plen, empty payload
)

func EncodePage(p Page) ([]byte, error) {
	total := hdrLen
	var hflags byte
	for _, it := range p.Items {
		if l := len(it.ID); l == 0 || l > 0xFFFF {
			return nil, errors.New("listcache: invalid item id length in page")
		}
		if it.Temp {
			hflags |= flagHasTemp
		}
		total += 1 + 2 + len(it.ID) + 4 + len(it.Payload)
	}

	var buf bytes.Buffer
	buf.Grow(total)

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindPage)
	buf.WriteByte(hflags)

	var u8 [8]byte
	var u4 [4]byte
	var u2 [2]byte

	binary.BigEndian.PutUint64(u8[:], p.PartGen)
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], p.KeyGen)
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], p.Total)
	buf.Write(u8[:])

	binary.BigEndian.PutUint16(u2[:], p.PageSize)
	buf.Write(u2[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(p.Items)))
	buf.Write(u4[:])

	for _, it := range p.Items {
		var f byte
		if it.Temp {
			f |= flagTemp
		}
		buf.WriteByte(f)

		binary.BigEndian.PutUint16(u2[:], uint16(len(it.ID)))
		buf.Write(u2[:])
		buf.WriteString(it.ID)

		binary.BigEndian.PutUint32(u4[:], uint32(len(it.Payload)))
		buf.Write(u4[:])
		buf.Write(it.Payload)
	}

	return buf.Bytes(), nil
}

func DecodePage(b []byte) (Page, error) {
	var p Page
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version || b[5] != kindPage {
		return Page{}, ErrCorrupt
	}

	off := 7 // header flags byte is ignored on decode; EncodePage recomputes it

	p.PartGen = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	p.KeyGen = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	p.Total = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	p.PageSize = binary.BigEndian.Uint16(b[off : off+2])
	off += 2

	// n
	n := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if n < 0 || n > (len(b)-off)/minItem { // overflow-safe prealloc bound
		return Page{}, ErrCorrupt
	}

	p.Items = make([]Item, 0, n)
	for i := 0; i < n; i++ {
		// item flags + idLen
		if off+1+2 > len(b) {
			return Page{}, ErrCorrupt
		}
		f := b[off]
		off++

		idLen := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if idLen <= 0 || idLen > len(b)-off {
			return Page{}, ErrCorrupt
		}

		// id (slice, then string alloc)
		idBytes := b[off : off+idLen]
		off += idLen

		// plen
		if off+4 > len(b) {
			return Page{}, ErrCorrupt
		}
		plen := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if plen < 0 || plen > len(b)-off {
			return Page{}, ErrCorrupt
		}

		payload := b[off : off+plen]
		off += plen

		p.Items = append(p.Items, Item{
			ID:      string(idBytes), // one expected alloc per item
			Temp:    f&flagTemp != 0,
			Payload: payload,
		})
	}

	if off != len(b) {
		return Page{}, ErrCorrupt
	}

	return p, nil
}

// HasTempID reports whether the encoded page holds at least one provisional
// id, without walking the item list. Malformed input reports false.
func HasTempID(b []byte) bool {
	return len(b) >= hdrLen && hasMagic(b) && b[4] == version && b[5] == kindPage && b[6]&flagHasTemp != 0
}

// ContainsID reports whether the encoded page holds an item with the given id.
// Payloads are skipped, not decoded. Malformed input reports false.
func ContainsID(b []byte, id string) bool {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version || b[5] != kindPage {
		return false
	}

	off := hdrLen - 4
	n := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4

	for i := 0; i < n; i++ {
		if off+1+2 > len(b) {
			return false
		}
		off++ // item flags

		idLen := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if idLen <= 0 || idLen > len(b)-off {
			return false
		}
		if idLen == len(id) && string(b[off:off+idLen]) == id {
			return true
		}
		off += idLen

		if off+4 > len(b) {
			return false
		}
		plen := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if plen < 0 || plen > len(b)-off {
			return false
		}
		off += plen
	}

	return false
}
