package core

import "testing"

func TestCeilDiv3(t *testing.T) {
	cases := map[int]int{0: 0, 1: 1, 2: 1, 3: 1, 4: 2, 6: 2, 7: 3, -5: 0}
	for n, want := range cases {
		if got := ceilDiv3(n); got != want {
			t.Errorf("ceilDiv3(%d) = %d, want %d", n, got, want)
		}
	}
}

// TestImageCostIgnoresRefSize exercises testable property 4: pruning a
// history where only an image part's backing ref string changes size (e.g.
// base64 padding) must not move the token count at all, since images cost a
// fixed 1000 regardless of MediaRef length.
func TestImageCostIgnoresRefSize(t *testing.T) {
	short := ImagePart("short-ref", "image/png")
	long := ImagePart("a-much-much-much-much-longer-opaque-ref-handle-string", "image/png")

	if countPartTokens(short) != imagePartTokenCost || countPartTokens(long) != imagePartTokenCost {
		t.Fatalf("image token cost must be fixed at %d regardless of ref length", imagePartTokenCost)
	}
}

func TestCountHistoryTokensSumsMessages(t *testing.T) {
	messages := []*Message{
		{Role: RoleUser, Parts: []ContentPart{TextPart("abc")}},
		{Role: RoleAssistant, Parts: []ContentPart{TextPart("defgh")}},
	}
	total := CountHistoryTokens(messages)
	want := CountMessageTokens(messages[0]) + CountMessageTokens(messages[1])
	if total != want {
		t.Errorf("CountHistoryTokens = %d, want %d", total, want)
	}
}
