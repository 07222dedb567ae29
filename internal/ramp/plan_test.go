package ramp

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name    string
		csv     string
		total   int
		want    []int
		wantErr bool
	}{
		{"empty launches everything", "", 30, []int{30}, false},
		{"appends the full fleet", "10,20", 30, []int{10, 20, 30}, false},
		{"exact total keeps the plan", "10,30", 30, []int{10, 30}, false},
		{"tolerates spaces", " 5 , 10 ", 10, []int{5, 10}, false},
		{"repeat stage allowed", "10,10,20", 20, []int{10, 10, 20}, false},
		{"zero rejected", "0,10", 30, nil, true},
		{"negative rejected", "-5", 30, nil, true},
		{"decreasing rejected", "20,10", 30, nil, true},
		{"target past fleet rejected", "10,40", 30, nil, true},
		{"not a number", "ten", 30, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.csv, tc.total)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("got %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParsePercentages(t *testing.T) {
	cases := []struct {
		name    string
		csv     string
		total   int
		want    []int
		wantErr bool
	}{
		{"quarter half full", "25,50,100", 10, []int{3, 5, 10}, false},
		{"fraction form", "0.25,0.5", 10, []int{3, 5, 10}, false},
		{"percent suffix tolerated", "25%,100%", 10, []int{3, 10}, false},
		{"tiny stage floors at one device", "0.01", 10, []int{1, 10}, false},
		{"one reads as one hundred percent", "1", 10, []int{10}, false},
		{"over hundred rejected", "120", 10, nil, true},
		{"zero rejected", "0", 10, nil, true},
		{"decreasing rejected", "50,25", 10, nil, true},
		{"not a number", "half", 10, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePercentages(tc.csv, tc.total)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("got %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePercentages: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestPercentageStagesNeverShrink(t *testing.T) {
	// ceil can round a later (larger) percentage to the same count; the plan
	// must stay non-decreasing rather than error.
	got, err := ParsePercentages("30,31", 10)
	if err != nil {
		t.Fatalf("ParsePercentages: %v", err)
	}
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("plan decreased: %v", got)
		}
	}
}

func TestPlanPicksParser(t *testing.T) {
	got, err := Plan("5", "", 10)
	if err != nil || !reflect.DeepEqual(got, []int{5, 10}) {
		t.Fatalf("absolute plan: %v %v", got, err)
	}
	got, err = Plan("", "50", 10)
	if err != nil || !reflect.DeepEqual(got, []int{5, 10}) {
		t.Fatalf("percentage plan: %v %v", got, err)
	}
	got, err = Plan("", "", 10)
	if err != nil || !reflect.DeepEqual(got, []int{10}) {
		t.Fatalf("default plan: %v %v", got, err)
	}
}
