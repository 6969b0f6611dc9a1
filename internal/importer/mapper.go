package importer

import "strings"

// Field is a canonical member attribute
type Field string

const (
	FieldName           Field = "name"
	FieldEmail          Field = "email"
	FieldExternalChatID Field = "external_chat_id"
	FieldLastActiveAt   Field = "last_active_at"
	FieldStatus         Field = "status"
)

// Row is one data line keyed by folded header name.
// A header with no value on the line is absent from the map
type Row map[string]string

// columnSynonyms lists accepted headers per field, in priority order
var columnSynonyms = map[Field][]string{
	FieldName:           {"name", "fullname", "full_name", "firstname"},
	FieldEmail:          {"email", "email_address"},
	FieldExternalChatID: {"discord_id", "discord", "discord_username"},
	FieldLastActiveAt:   {"last_active", "last_active_at", "last_seen"},
	FieldStatus:         {"status"},
}

// Synonyms returns the accepted header names for field
func Synonyms(field Field) []string {
	return append([]string(nil), columnSynonyms[field]...)
}

// MapField picks the first synonym whose raw value is non-empty and returns
// it trimmed. A whitespace-only value still wins the match and maps to no
// value. Values are never merged across headers
func MapField(row Row, field Field) (string, bool) {
	for _, header := range columnSynonyms[field] {
		v := row[header]
		if v == "" {
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			return v, true
		}
		return "", false
	}
	return "", false
}

// unmappedHeaders returns the headers no field reads from
func unmappedHeaders(headers []string) []string {
	var out []string
	for _, h := range headers {
		if !knownHeader(h) {
			out = append(out, h)
		}
	}
	return out
}

func knownHeader(header string) bool {
	for _, synonyms := range columnSynonyms {
		for _, s := range synonyms {
			if s == header {
				return true
			}
		}
	}
	return false
}
