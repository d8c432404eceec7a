package record

// Snapshot is the full in-memory mirror of exported history plus metadata.
// A published Snapshot is never mutated; readers treat it as immutable.
type Snapshot struct {
	Items    []ItemRecord   `json:"items"`
	Metadata MetadataRecord `json:"metadata"`
}

// ItemCount is the number of item records held in the mirror.
func (s *Snapshot) ItemCount() int {
	if s == nil {
		return 0
	}
	return len(s.Items)
}

// Clone returns a copy whose items slice does not alias s.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	items := make([]ItemRecord, len(s.Items))
	copy(items, s.Items)
	return &Snapshot{Items: items, Metadata: s.Metadata}
}

// ItemsFor returns the records of one item in mirror order.
func (s *Snapshot) ItemsFor(itemID string) []ItemRecord {
	if s == nil {
		return nil
	}
	var out []ItemRecord
	for _, it := range s.Items {
		if it.ItemID == itemID {
			out = append(out, it)
		}
	}
	return out
}
