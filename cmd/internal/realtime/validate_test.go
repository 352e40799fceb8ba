package realtime

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateRoomKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		in         string
		wantReason string
	}{
		{name: "simple", in: "doc1"},
		{name: "all classes", in: "Doc_1-a"},
		{name: "max length", in: strings.Repeat("a", MaxRoomKeyLen)},
		{name: "empty", in: "", wantReason: "empty"},
		{name: "too long", in: strings.Repeat("a", MaxRoomKeyLen+1), wantReason: "too_long"},
		{name: "space", in: "doc 1", wantReason: "pattern"},
		{name: "slash", in: "a/b", wantReason: "pattern"},
		{name: "non ascii", in: "dóc", wantReason: "pattern"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := ValidateRoomKey(tc.in)
			if tc.wantReason == "" {
				if err != nil {
					t.Fatalf("ValidateRoomKey(%q) unexpected err: %v", tc.in, err)
				}
				return
			}

			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("ValidateRoomKey(%q) err=%v, want ValidationError", tc.in, err)
			}
			if ve.Field != "roomKey" || ve.Reason != tc.wantReason {
				t.Fatalf("field=%q reason=%q, want roomKey/%s", ve.Field, ve.Reason, tc.wantReason)
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected errors.Is(err, ErrValidation)")
			}
		})
	}
}

func TestValidateEdit(t *testing.T) {
	t.Parallel()

	if err := ValidateEdit("doc1", "hello"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := ValidateEdit("doc1", strings.Repeat("x", MaxContentBytes)); err != nil {
		t.Fatalf("content at limit should pass: %v", err)
	}

	cases := []struct {
		room, content string
		field, reason string
	}{
		{room: "", content: "x", field: "roomKey", reason: "empty"},
		{room: "doc1", content: "", field: "content", reason: "empty"},
		{room: "doc1", content: strings.Repeat("x", MaxContentBytes+1), field: "content", reason: "too_long"},
	}
	for _, tc := range cases {
		var ve *ValidationError
		if err := ValidateEdit(tc.room, tc.content); !errors.As(err, &ve) {
			t.Fatalf("ValidateEdit(%q, len=%d) err=%v, want ValidationError", tc.room, len(tc.content), err)
		}
		if ve.Field != tc.field || ve.Reason != tc.reason {
			t.Fatalf("got %s.%s want %s.%s", ve.Field, ve.Reason, tc.field, tc.reason)
		}
	}
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: ValidateRoomKey(""), want: "VALIDATION_ERROR"},
		{err: opErr("x", ErrRateLimited, "slow"), want: "RATE_LIMIT_EXCEEDED"},
		{err: opErr("x", ErrNotInRoom, "join"), want: "NOT_IN_ROOM"},
		{err: &OpError{Op: "x", Kind: ErrTransport, Err: errors.New("dial")}, want: "TRANSPORT_ERROR"},
		{err: errors.New("boom"), want: "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.want {
			t.Fatalf("CodeOf(%v)=%q want=%q", tc.err, got, tc.want)
		}
	}
}

func TestPublicMessage_HidesInternals(t *testing.T) {
	t.Parallel()

	err := &OpError{Op: "relay.publish", Kind: ErrTransport, Err: errors.New("dial tcp 10.0.0.7:6379: refused")}
	msg := publicMessage(err)
	if strings.Contains(msg, "10.0.0.7") {
		t.Fatalf("public message leaked cause: %q", msg)
	}

	if got := publicMessage(opErr("x", ErrNotInRoom, "you must join the note before editing it")); got != "you must join the note before editing it" {
		t.Fatalf("unexpected message: %q", got)
	}
}
