package bin

import "testing"

func TestIDsZeroOrNegative(t *testing.T) {
	for _, count := range []int{0, -1, -500} {
		ids := IDs(count)
		if len(ids) != 1 || ids[0] != "0" {
			t.Fatalf("IDs(%d) = %v, want [\"0\"]", count, ids)
		}
	}
}

func TestIDsExactMultipleOfSize(t *testing.T) {
	ids := IDs(Size)
	if len(ids) != 1 {
		t.Fatalf("IDs(%d) = %v, want exactly one bin", Size, ids)
	}
	ids = IDs(2 * Size)
	if len(ids) != 2 {
		t.Fatalf("IDs(%d) = %v, want exactly two bins", 2*Size, ids)
	}
}

func TestIDsOneOverBoundary(t *testing.T) {
	ids := IDs(Size + 1)
	if len(ids) != 2 {
		t.Fatalf("IDs(%d) = %v, want two bins", Size+1, ids)
	}
}

func TestIndexToBinMatchesIDs(t *testing.T) {
	count := 2*Size + 7
	ids := IDs(count)
	maxBinNum := 0
	for i := 0; i < count; i++ {
		binID, offset := IndexToBin(i)
		if offset < 0 || offset >= Size {
			t.Fatalf("IndexToBin(%d) offset %d out of range", i, offset)
		}
		found := false
		for _, id := range ids {
			if id == binID {
				found = true
			}
		}
		if !found {
			t.Fatalf("IndexToBin(%d) = bin %q, not among IDs(%d) = %v", i, binID, count, ids)
		}
		_ = maxBinNum
	}
}

func TestCountField(t *testing.T) {
	cases := map[Type]string{
		TaskDataBin: "taskdata_count",
		SubsetBin:   "subset_count",
		SubtaskBin:  "subtask_count",
	}
	for typ, want := range cases {
		if got := typ.CountField(); got != want {
			t.Errorf("%s.CountField() = %q, want %q", typ, got, want)
		}
	}
}
