package dispatch

import "time"

// Upsert replaces any record carrying the same token with rec, stamped with now.
// It reports whether the token was already present.
func (d *UserTokenDocument) Upsert(rec DeviceTokenRecord, now time.Time) bool {
	updated := d.Remove([]string{rec.Token}) > 0
	rec.LastSeenAt = now
	d.Tokens = append(d.Tokens, rec)
	d.UpdatedAt = now
	return updated
}

// Remove drops every record whose token is in tokens and returns how many were dropped.
func (d *UserTokenDocument) Remove(tokens []string) int {
	if len(tokens) == 0 || len(d.Tokens) == 0 {
		return 0
	}
	drop := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		drop[t] = struct{}{}
	}
	kept := d.Tokens[:0]
	for _, r := range d.Tokens {
		if _, ok := drop[r.Token]; ok {
			continue
		}
		kept = append(kept, r)
	}
	removed := len(d.Tokens) - len(kept)
	d.Tokens = kept
	return removed
}

// TokenIDs lists the token strings held by the document.
func (d *UserTokenDocument) TokenIDs() []string {
	ids := make([]string, 0, len(d.Tokens))
	for _, r := range d.Tokens {
		ids = append(ids, r.Token)
	}
	return ids
}
