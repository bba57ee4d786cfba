package registrar

import (
	"sync"
	"testing"
)

func TestOutcomeCell_SettlesOnce(t *testing.T) {
	c := newOutcomeCell()
	var wg sync.WaitGroup
	wins := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(granted bool) {
			defer wg.Done()
			wins <- c.settle(granted)
		}(i%2 == 0)
	}
	wg.Wait()
	close(wins)
	n := 0
	for w := range wins {
		if w {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("%d settlements won, want exactly 1", n)
	}
}

func TestAccessRequest_Votes(t *testing.T) {
	cases := []struct {
		name  string
		votes []bool
		want  bool
	}{
		{"single grant", []bool{true}, true},
		{"deny then grant", []bool{false, true}, true},
		{"grant then deny", []bool{true, false}, true},
		{"all deny", []bool{false, false, false}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := &accessRequest{cell: newOutcomeCell()}
			req.remaining.Store(int32(len(tc.votes)))
			for _, v := range tc.votes {
				req.vote(v)
			}
			select {
			case <-req.cell.done:
			default:
				t.Fatal("outcome not settled after every vote")
			}
			if got := req.cell.result(); got != tc.want {
				t.Fatalf("granted = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAccessRequest_PartialDenialsStayOpen(t *testing.T) {
	req := &accessRequest{cell: newOutcomeCell()}
	req.remaining.Store(3)
	req.vote(false)
	req.vote(false)
	select {
	case <-req.cell.done:
		t.Fatal("settled before the last instance answered")
	default:
	}
}
