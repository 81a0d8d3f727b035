package common

import (
	"sort"
	"testing"
	"time"
)

func TestFormatTimestampFixedWidth(t *testing.T) {
	ts := time.Date(2020, time.February, 6, 23, 57, 58, 602900000, time.UTC)
	got := FormatTimestamp(ts)
	want := "2020-02-06T23:57:58.602900000Z"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if len(got) != len("2006-01-02T15:04:05.000000000Z") {
		t.Fatalf("not fixed width: %q", got)
	}
}

func TestFormatTimestampLexicographicOrder(t *testing.T) {
	base := time.Date(2021, time.March, 1, 0, 0, 0, 0, time.UTC)
	times := []time.Time{
		base.Add(5 * time.Nanosecond),
		base,
		base.Add(time.Second),
		base.Add(100 * time.Millisecond),
		base.Add(time.Hour),
	}

	formatted := make([]string, len(times))
	for i, ts := range times {
		formatted[i] = FormatTimestamp(ts)
	}

	sort.Strings(formatted)
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	for i := range times {
		if formatted[i] != FormatTimestamp(times[i]) {
			t.Fatalf("lexicographic order diverges at %d: %q", i, formatted[i])
		}
	}
}

func TestParseTimestampRoundTrip(t *testing.T) {
	ts := time.Date(2019, time.August, 8, 20, 30, 39, 802644000, time.UTC)
	parsed, err := ParseTimestamp(FormatTimestamp(ts))
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(ts) {
		t.Fatalf("round trip changed value: %v != %v", parsed, ts)
	}
}

func TestParseTimestampAcceptsShortFractions(t *testing.T) {
	parsed, err := ParseTimestamp("2019-08-08T20:30:39.802644Z")
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Nanosecond() != 802644000 {
		t.Fatalf("unexpected nanos: %d", parsed.Nanosecond())
	}
}

func TestParseTimestampRejectsGarbage(t *testing.T) {
	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Fatal("expected error")
	}
}
