package store

import (
	"context"
	"errors"
	"testing"
)

func TestBufferTelegramImagesDeduplicatesUpdates(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	scope := ImageScope{ThreadKey: "telegram:chat:1", UserKey: "telegram:user:9"}
	images := []RunImage{{MimeType: "image/jpeg", Data: []byte("jpegdata")}}

	res, err := st.BufferTelegramImages(ctx, scope, 500, "", images)
	if err != nil {
		t.Fatalf("BufferTelegramImages: %v", err)
	}
	if res.Inserted != 1 || res.TotalBytes != int64(len("jpegdata")) {
		t.Errorf("result = %+v, want 1 image of %d bytes", res, len("jpegdata"))
	}

	// redelivered update id inserts nothing
	_, err = st.BufferTelegramImages(ctx, scope, 500, "", images)
	if !errors.Is(err, ErrTelegramUpdateDuplicate) {
		t.Fatalf("duplicate update error = %v, want ErrTelegramUpdateDuplicate", err)
	}

	drained, err := st.DrainPendingImages(ctx, scope)
	if err != nil {
		t.Fatal(err)
	}
	if len(drained) != 1 {
		t.Errorf("drained %d images, want 1", len(drained))
	}
}

func TestDrainPendingImagesIsScopedAndAtomic(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	alice := ImageScope{ThreadKey: "telegram:chat:1", UserKey: "telegram:user:1"}
	bob := ImageScope{ThreadKey: "telegram:chat:1", UserKey: "telegram:user:2"}

	if _, err := st.BufferTelegramImages(ctx, alice, 1, "", []RunImage{
		{MimeType: "image/png", Data: []byte("a1"), Filename: "first.png"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.BufferTelegramImages(ctx, alice, 2, "group-1", []RunImage{
		{MimeType: "image/png", Data: []byte("a2")},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.BufferTelegramImages(ctx, bob, 3, "", []RunImage{
		{MimeType: "image/webp", Data: []byte("b1")},
	}); err != nil {
		t.Fatal(err)
	}

	got, err := st.DrainPendingImages(ctx, alice)
	if err != nil {
		t.Fatalf("DrainPendingImages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("drained %d images for alice, want 2", len(got))
	}
	// buffer order is preserved
	if got[0].Filename != "first.png" || string(got[1].Data) != "a2" {
		t.Errorf("drain order wrong: %+v", got)
	}

	// drain consumed alice's buffer but left bob's alone
	again, err := st.DrainPendingImages(ctx, alice)
	if err != nil || len(again) != 0 {
		t.Errorf("second drain = %d images, %v, want empty", len(again), err)
	}
	bobs, err := st.DrainPendingImages(ctx, bob)
	if err != nil || len(bobs) != 1 {
		t.Errorf("bob's drain = %d images, %v, want 1", len(bobs), err)
	}
}
