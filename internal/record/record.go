package record

import (
	"time"
)

const (
	// MetadataID is the fixed key of the single metadata row.
	MetadataID = 1

	kindMetadata = "metadata"
	kindItem     = "item"
)

// Remote column names.
const (
	ColumnID          = "id"
	ColumnCreatedAt   = "created_at"
	ColumnProvisioned = "provisioned"
	ColumnItemID      = "item_id"
	ColumnState       = "state"
	ColumnAttributes  = "attributes"
	ColumnLastChanged = "last_changed"
)

// MetadataRecord is the single bootstrap row of a remote target.
type MetadataRecord struct {
	ID          int        `json:"id"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	Provisioned bool       `json:"provisioned"`

	// TargetURL is local only. It identifies the remote target for display
	// and is never written to the remote store.
	TargetURL string `json:"target_url"`
}

// ProvisionedMetadataRow is the row written by provisioning.
func ProvisionedMetadataRow() Row {
	return Row{
		ColumnID:          MetadataID,
		ColumnProvisioned: true,
	}
}

// ParseMetadataRecord builds a MetadataRecord from a remote row. targetURL
// is carried over from local configuration.
func ParseMetadataRecord(row Row, targetURL string) (MetadataRecord, error) {
	var md MetadataRecord

	rawID, ok := row[ColumnID]
	if !ok || rawID == nil {
		return md, missingField(kindMetadata, ColumnID)
	}
	id, ok := asInt64(rawID)
	if !ok {
		return md, invalidField(kindMetadata, ColumnID, rawID)
	}
	md.ID = int(id)

	rawProvisioned, ok := row[ColumnProvisioned]
	if !ok || rawProvisioned == nil {
		return md, missingField(kindMetadata, ColumnProvisioned)
	}
	provisioned, ok := asBool(rawProvisioned)
	if !ok {
		return md, invalidField(kindMetadata, ColumnProvisioned, rawProvisioned)
	}
	md.Provisioned = provisioned

	if targetURL == "" {
		return md, missingField(kindMetadata, "target_url")
	}
	md.TargetURL = targetURL

	if raw, ok := row[ColumnCreatedAt]; ok && raw != nil {
		createdAt, ok := asTime(raw)
		if !ok {
			return md, invalidField(kindMetadata, ColumnCreatedAt, raw)
		}
		md.CreatedAt = &createdAt
	}

	return md, nil
}

// ItemRecord is one exported observation of a tracked item. Records are
// immutable once written; history grows by appending new rows.
type ItemRecord struct {
	ID         *int64         `json:"id,omitempty"`
	CreatedAt  *time.Time     `json:"created_at,omitempty"`
	ItemID     string         `json:"item_id"`
	Value      *string        `json:"state,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	ChangedAt  *string        `json:"last_changed,omitempty"`
}

// NewItemRecord builds an unsaved record for an observation.
func NewItemRecord(itemID, value string, attributes map[string]any, changedAt time.Time) ItemRecord {
	changed := FormatTimestamp(changedAt)
	return ItemRecord{
		ItemID:     itemID,
		Value:      &value,
		Attributes: attributes,
		ChangedAt:  &changed,
	}
}

// Row serializes the record for a write, leaving out every unset field so
// the remote store applies its defaults.
func (r ItemRecord) Row() Row {
	row := Row{ColumnItemID: r.ItemID}
	if r.ID != nil {
		row[ColumnID] = *r.ID
	}
	if r.CreatedAt != nil {
		row[ColumnCreatedAt] = FormatTimestamp(*r.CreatedAt)
	}
	if r.Value != nil {
		row[ColumnState] = *r.Value
	}
	if r.Attributes != nil {
		row[ColumnAttributes] = r.Attributes
	}
	if r.ChangedAt != nil {
		row[ColumnLastChanged] = *r.ChangedAt
	}
	return row
}

// ParseItemRecord builds an ItemRecord from a remote row.
func ParseItemRecord(row Row) (ItemRecord, error) {
	var rec ItemRecord

	rawItemID, ok := row[ColumnItemID]
	if !ok || rawItemID == nil {
		return rec, missingField(kindItem, ColumnItemID)
	}
	itemID, ok := asString(rawItemID)
	if !ok {
		return rec, invalidField(kindItem, ColumnItemID, rawItemID)
	}
	if itemID == "" {
		return rec, missingField(kindItem, ColumnItemID)
	}
	rec.ItemID = itemID

	if raw, ok := row[ColumnID]; ok && raw != nil {
		id, ok := asInt64(raw)
		if !ok {
			return rec, invalidField(kindItem, ColumnID, raw)
		}
		rec.ID = &id
	}

	if raw, ok := row[ColumnCreatedAt]; ok && raw != nil {
		createdAt, ok := asTime(raw)
		if !ok {
			return rec, invalidField(kindItem, ColumnCreatedAt, raw)
		}
		rec.CreatedAt = &createdAt
	}

	if raw, ok := row[ColumnState]; ok && raw != nil {
		value, ok := asString(raw)
		if !ok {
			return rec, invalidField(kindItem, ColumnState, raw)
		}
		rec.Value = &value
	}

	if raw, ok := row[ColumnAttributes]; ok && raw != nil {
		attrs, ok := asAttributes(raw)
		if !ok {
			return rec, invalidField(kindItem, ColumnAttributes, raw)
		}
		rec.Attributes = attrs
	}

	if raw, ok := row[ColumnLastChanged]; ok && raw != nil {
		changedAt, ok := asTimestampString(raw)
		if !ok {
			return rec, invalidField(kindItem, ColumnLastChanged, raw)
		}
		rec.ChangedAt = &changedAt
	}

	return rec, nil
}

// ParseItemRecords parses rows in order, stopping at the first malformed row.
func ParseItemRecords(rows []Row) ([]ItemRecord, error) {
	records := make([]ItemRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := ParseItemRecord(row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
