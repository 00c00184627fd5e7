package proxy

import (
	"net"
	"sort"
	"time"

	"github.com/hearthd/hearthd/pkg/dhcpv4"
)

// recordTimeFormat matches the timestamp format of the per-node API.
const recordTimeFormat = "02.01.2006 15:04:05"

// Duplicate MAC policies for the aggregated client list.
const (
	PolicyKeepAll  = "keep_all"
	PolicyMerge    = "merge"
	PolicyPreferIP = "prefer_ip"
)

// mergeRecords applies the configured duplicate-MAC policy to the
// concatenated upstream results. Output is sorted by numeric IP,
// descending, under every policy.
func mergeRecords(policy string, records []upstreamRecord) []upstreamRecord {
	switch policy {
	case PolicyMerge:
		records = dedupeLastWriter(records)
	case PolicyPreferIP:
		records = dedupePreferIP(records)
	}
	sortByIPDesc(records)
	return records
}

// dedupeLastWriter keeps one record per MAC. Iterating the reversed
// list and overwriting on every hit leaves the earliest occurrence in
// the original order as the winner.
func dedupeLastWriter(records []upstreamRecord) []upstreamRecord {
	winners := make(map[string]upstreamRecord, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		winners[records[i].MAC] = records[i]
	}

	out := make([]upstreamRecord, 0, len(winners))
	for _, rec := range winners {
		out = append(out, rec)
	}
	return out
}

// dedupePreferIP keeps, per MAC, the record with the greatest lease
// expiry. Records without an expiry fall back to the update timestamp.
func dedupePreferIP(records []upstreamRecord) []upstreamRecord {
	winners := make(map[string]upstreamRecord, len(records))
	for _, rec := range records {
		cur, ok := winners[rec.MAC]
		if !ok || recordNewer(rec, cur) {
			winners[rec.MAC] = rec
		}
	}

	out := make([]upstreamRecord, 0, len(winners))
	for _, rec := range winners {
		out = append(out, rec)
	}
	return out
}

// recordNewer reports whether a should replace b under prefer_ip.
func recordNewer(a, b upstreamRecord) bool {
	ae, be := parseRecordTime(a.ExpireAt), parseRecordTime(b.ExpireAt)
	if !ae.Equal(be) {
		return ae.After(be)
	}
	au, bu := parseRecordTime(a.UpdatedAt), parseRecordTime(b.UpdatedAt)
	return au.After(bu)
}

func parseRecordTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation(recordTimeFormat, s, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

func sortByIPDesc(records []upstreamRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return ipValue(records[i].IP) > ipValue(records[j].IP)
	})
}

func ipValue(s string) uint32 {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0
	}
	return dhcpv4.IPToUint32(ip)
}
