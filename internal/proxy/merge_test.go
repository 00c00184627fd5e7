package proxy

import (
	"testing"
)

func rec(mac, ip, expire, updated string) upstreamRecord {
	return upstreamRecord{MAC: mac, IP: ip, ExpireAt: expire, UpdatedAt: updated}
}

func TestMergeKeepAllSortsNumerically(t *testing.T) {
	records := []upstreamRecord{
		rec("aa:aa:aa:aa:aa:01", "192.168.1.9", "", ""),
		rec("aa:aa:aa:aa:aa:02", "192.168.1.100", "", ""),
		rec("aa:aa:aa:aa:aa:03", "192.168.1.20", "", ""),
	}

	merged := mergeRecords(PolicyKeepAll, records)
	if len(merged) != 3 {
		t.Fatalf("expected 3 records, got %d", len(merged))
	}
	want := []string{"192.168.1.100", "192.168.1.20", "192.168.1.9"}
	for i, w := range want {
		if merged[i].IP != w {
			t.Errorf("position %d: got %s, want %s", i, merged[i].IP, w)
		}
	}
}

func TestMergeKeepAllRetainsDuplicateMACs(t *testing.T) {
	records := []upstreamRecord{
		rec("aa:aa:aa:aa:aa:01", "192.168.1.5", "", ""),
		rec("aa:aa:aa:aa:aa:01", "10.1.2.5", "", ""),
	}

	merged := mergeRecords(PolicyKeepAll, records)
	if len(merged) != 2 {
		t.Fatalf("expected both duplicates kept, got %d", len(merged))
	}
}

func TestMergeDedupeFirstOccurrenceWins(t *testing.T) {
	records := []upstreamRecord{
		rec("aa:aa:aa:aa:aa:01", "192.168.1.5", "", ""),
		rec("aa:aa:aa:aa:aa:02", "192.168.1.6", "", ""),
		rec("aa:aa:aa:aa:aa:01", "10.1.2.5", "", ""),
	}

	merged := mergeRecords(PolicyMerge, records)
	if len(merged) != 2 {
		t.Fatalf("expected 2 records, got %d", len(merged))
	}
	for _, r := range merged {
		if r.MAC == "aa:aa:aa:aa:aa:01" && r.IP != "192.168.1.5" {
			t.Errorf("duplicate MAC resolved to %s, want first occurrence 192.168.1.5", r.IP)
		}
	}
}

func TestMergePreferIPKeepsLatestExpiry(t *testing.T) {
	records := []upstreamRecord{
		rec("aa:aa:aa:aa:aa:01", "192.168.1.5", "24.08.2026 10:00:00", "24.08.2026 09:00:00"),
		rec("aa:aa:aa:aa:aa:01", "10.1.2.5", "24.08.2026 12:00:00", "24.08.2026 08:00:00"),
	}

	merged := mergeRecords(PolicyPreferIP, records)
	if len(merged) != 1 {
		t.Fatalf("expected 1 record, got %d", len(merged))
	}
	if merged[0].IP != "10.1.2.5" {
		t.Errorf("got %s, want the record with the later expiry", merged[0].IP)
	}
}

func TestMergePreferIPFallsBackToUpdatedAt(t *testing.T) {
	records := []upstreamRecord{
		rec("aa:aa:aa:aa:aa:01", "192.168.1.5", "", "24.08.2026 09:00:00"),
		rec("aa:aa:aa:aa:aa:01", "10.1.2.5", "", "24.08.2026 11:00:00"),
	}

	merged := mergeRecords(PolicyPreferIP, records)
	if len(merged) != 1 {
		t.Fatalf("expected 1 record, got %d", len(merged))
	}
	if merged[0].IP != "10.1.2.5" {
		t.Errorf("got %s, want the more recently updated record", merged[0].IP)
	}
}

func TestParseRecordTimeInvalid(t *testing.T) {
	if !parseRecordTime("").IsZero() {
		t.Error("empty timestamp should parse as zero")
	}
	if !parseRecordTime("not a time").IsZero() {
		t.Error("garbage timestamp should parse as zero")
	}
}
