package list

import (
	"fmt"
	"sort"

	"github.com/matrix-org/roomlist/internal"
)

// Directory is the ordered, deduplicated collection of room entries. It does
// no locking: the owning RoomList serialises all access.
type Directory struct {
	entries []*RoomEntry
}

func NewDirectory(entries []*RoomEntry) *Directory {
	d := &Directory{}
	for _, e := range entries {
		_, exists := d.IndexOf(e.RoomID)
		internal.Assert("directory seed has no duplicate room IDs", !exists)
		if !exists {
			d.entries = append(d.entries, e)
		}
	}
	return d
}

func (d *Directory) Len() int {
	return len(d.entries)
}

// IndexOf scans for the entry with this room ID. This is the single
// definition of "found" for the whole engine: an index in range whose
// entry's ID matches. Returns (len, false) when there is no match, so the
// failed scan index is also the append position.
func (d *Directory) IndexOf(roomID string) (int, bool) {
	for i := range d.entries {
		if d.entries[i].RoomID == roomID {
			return i, true
		}
	}
	return len(d.entries), false
}

func (d *Directory) At(index int) *RoomEntry {
	internal.Assert(fmt.Sprintf("index is within len(entries) %v < %v", index, len(d.entries)), index < len(d.entries))
	return d.entries[index]
}

// Entries returns a copy of the ordered entry slice. The entries themselves
// are shared: callers must only read them.
func (d *Directory) Entries() []*RoomEntry {
	entries := make([]*RoomEntry, len(d.entries))
	copy(entries, d.entries)
	return entries
}

func (d *Directory) Insert(index int, e *RoomEntry) {
	_, exists := d.IndexOf(e.RoomID)
	internal.Assert("inserted room ID is not already present", !exists)
	d.entries = append(d.entries, nil)
	copy(d.entries[index+1:], d.entries[index:])
	d.entries[index] = e
}

func (d *Directory) RemoveAt(index int) *RoomEntry {
	e := d.At(index)
	d.entries = append(d.entries[:index], d.entries[index+1:]...)
	return e
}

// Sort stably reorders the directory by descending last-activity timestamp.
// Entries with equal timestamps keep their prior relative order.
func (d *Directory) Sort() {
	sort.SliceStable(d.entries, func(i, j int) bool {
		return d.entries[i].LastActivity() > d.entries[j].LastActivity()
	})
}
