package dns

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func raw(id, sub string, typ RecordType, value string, ttl int) RawRecord {
	return RawRecord{
		ID:     id,
		Record: Record{SubDomain: sub, Type: typ, Value: value, TTL: ttl},
	}
}

func rec(sub string, typ RecordType, value string, ttl int) Record {
	return Record{SubDomain: sub, Type: typ, Value: value, TTL: ttl}
}

func TestCompute(t *testing.T) {
	t.Parallel()

	type testcase struct {
		old   []RawRecord
		new   []Record
		scope string
		want  Diff
	}
	tcs := []testcase{{
		// Unchanged
		old:  []RawRecord{raw("r1", "*.mc", TypeA, "1.1.1.1", 300)},
		new:  []Record{rec("*.mc", TypeA, "1.1.1.1", 300)},
		want: Diff{},
	}, {
		// Add only
		new:  []Record{rec("a.mc", TypeA, "2.2.2.2", 300)},
		want: Diff{Add: []Record{rec("a.mc", TypeA, "2.2.2.2", 300)}},
	}, {
		// Remove only
		old:  []RawRecord{raw("r9", "a.mc", TypeA, "2.2.2.2", 300)},
		want: Diff{Remove: []string{"r9"}},
	}, {
		// Value change carries the old ID
		old: []RawRecord{raw("r1", "a.mc", TypeA, "1.1.1.1", 300)},
		new: []Record{rec("a.mc", TypeA, "2.2.2.2", 300)},
		want: Diff{Update: []RawRecord{
			raw("r1", "a.mc", TypeA, "2.2.2.2", 300),
		}},
	}, {
		// TTL change
		old: []RawRecord{raw("r1", "a.mc", TypeA, "1.1.1.1", 300)},
		new: []Record{rec("a.mc", TypeA, "1.1.1.1", 60)},
		want: Diff{Update: []RawRecord{
			raw("r1", "a.mc", TypeA, "1.1.1.1", 60),
		}},
	}, {
		// Type change is a remove and an add
		old: []RawRecord{raw("r1", "a.mc", TypeA, "1.1.1.1", 300)},
		new: []Record{rec("a.mc", TypeCNAME, "host.example.net", 300)},
		want: Diff{
			Add:    []Record{rec("a.mc", TypeCNAME, "host.example.net", 300)},
			Remove: []string{"r1"},
		},
	}, {
		// Out of scope records are left alone
		old: []RawRecord{
			raw("r1", "a.mc", TypeA, "1.1.1.1", 300),
			raw("r2", "www", TypeA, "3.3.3.3", 300),
			raw("r3", "mc", TypeTXT, "hello", 300),
			raw("r4", "notmc", TypeA, "4.4.4.4", 300),
		},
		scope: "mc",
		want:  Diff{Remove: []string{"r1", "r3"}},
	}, {
		// Names compare case-insensitively
		old:  []RawRecord{raw("r1", "A.MC.", TypeA, "1.1.1.1", 300)},
		new:  []Record{rec("a.mc", TypeA, "1.1.1.1", 300)},
		want: Diff{},
	}, {
		// Duplicate desired keys, last wins
		new: []Record{
			rec("a.mc", TypeA, "1.1.1.1", 300),
			rec("a.mc", TypeA, "2.2.2.2", 300),
		},
		want: Diff{Add: []Record{rec("a.mc", TypeA, "2.2.2.2", 300)}},
	}, {
		// Duplicate remote keys keep the matching record
		old: []RawRecord{
			raw("r1", "a.mc", TypeA, "1.1.1.1", 300),
			raw("r2", "a.mc", TypeA, "2.2.2.2", 300),
		},
		new:  []Record{rec("a.mc", TypeA, "2.2.2.2", 300)},
		want: Diff{Remove: []string{"r1"}},
	}, {
		// Duplicate remote keys without a match update the lowest ID
		old: []RawRecord{
			raw("r2", "a.mc", TypeA, "2.2.2.2", 300),
			raw("r1", "a.mc", TypeA, "1.1.1.1", 300),
		},
		new: []Record{rec("a.mc", TypeA, "3.3.3.3", 300)},
		want: Diff{
			Remove: []string{"r2"},
			Update: []RawRecord{raw("r1", "a.mc", TypeA, "3.3.3.3", 300)},
		},
	}}
	for i, tc := range tcs {
		tc := tc // capture reference
		t.Run(fmt.Sprintf("test_%d", i), func(t *testing.T) {
			t.Parallel()

			have := Compute(tc.old, tc.new, tc.scope)
			if diff := cmp.Diff(tc.want, have, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("unexpected diff (-want +have):\n%s", diff)
			}
		})
	}
}

func TestComputeOrderIndependent(t *testing.T) {
	t.Parallel()

	old := []RawRecord{
		raw("r1", "*.mc", TypeA, "1.1.1.1", 300),
		raw("r2", "backup.mc", TypeA, "2.2.2.2", 300),
		raw("r3", "_minecraft._tcp.vanilla.mc", TypeSRV, "0 5 25565 vanilla.mc.example.com", 300),
		raw("r4", "_minecraft._tcp.old.mc", TypeSRV, "0 5 25565 old.mc.example.com", 300),
		raw("r5", "www", TypeCNAME, "example.com", 300),
	}
	desired := []Record{
		rec("*.mc", TypeA, "1.1.1.1", 300),
		rec("backup.mc", TypeCNAME, "backup.example.net", 300),
		rec("_minecraft._tcp.vanilla.mc", TypeSRV, "0 5 25566 vanilla.mc.example.com", 300),
		rec("_minecraft._tcp.modded.mc", TypeSRV, "0 5 25565 modded.mc.example.com", 300),
	}
	want := Compute(old, desired, "mc")

	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		o := append([]RawRecord{}, old...)
		d := append([]Record{}, desired...)
		rnd.Shuffle(len(o), func(i, j int) { o[i], o[j] = o[j], o[i] })
		rnd.Shuffle(len(d), func(i, j int) { d[i], d[j] = d[j], d[i] })

		have := Compute(o, d, "mc")
		if diff := cmp.Diff(want, have); diff != "" {
			t.Fatalf("permutation %d changed result:\n%s", i, diff)
		}
	}

	// Calling again with the same input is stable.
	if diff := cmp.Diff(want, Compute(old, desired, "mc")); diff != "" {
		t.Fatalf("repeat changed result:\n%s", diff)
	}
}

func TestComputeIdempotent(t *testing.T) {
	t.Parallel()

	old := []RawRecord{
		raw("r1", "*.mc", TypeA, "1.1.1.1", 300),
		raw("r2", "_minecraft._tcp.vanilla.mc", TypeSRV, "0 5 25565 vanilla.mc.example.com", 300),
	}
	desired := make([]Record, 0, len(old))
	for _, r := range old {
		desired = append(desired, r.Record)
	}
	if d := Compute(old, desired, "mc"); !d.Empty() {
		t.Fatalf("want empty diff, have %+v", d)
	}
}

func TestRecordsDiffScoped(t *testing.T) {
	t.Parallel()

	p := &listOnly{records: []RawRecord{
		raw("in", "a.mc", TypeA, "1.1.1.1", 300),
		raw("out", "a.other", TypeA, "1.1.1.1", 300),
		raw("apex", Apex, TypeA, "1.1.1.1", 300),
	}}
	d, err := RecordsDiff(context.Background(), p, nil, "mc")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"in"}, d.Remove); diff != "" {
		t.Fatalf("unexpected removals:\n%s", diff)
	}
}

type listOnly struct {
	Provider
	records []RawRecord
}

func (l *listOnly) ListRecords(context.Context) ([]RawRecord, error) {
	return l.records, nil
}
