package items

import (
	"bytes"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/google/go-cmp/cmp"
)

func encodeImage(t *testing.T, format imaging.Format) []byte {
	t.Helper()
	img := imaging.New(4, 4, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

func ids(list []InputItem) []string {
	out := make([]string, 0, len(list))
	for _, it := range list {
		out = append(out, it.ID)
	}
	return out
}

func TestStoreAddPreservesOrder(t *testing.T) {
	s := NewStore()
	jpeg := encodeImage(t, imaging.JPEG)
	png := encodeImage(t, imaging.PNG)

	added, rejected := s.Add(
		Source{Name: "a.jpg", Content: jpeg},
		Source{Name: "b.png", Content: png},
		Source{Name: "c.jpg", Content: jpeg},
	)
	if rejected != 0 {
		t.Fatalf("rejected = %d, want 0", rejected)
	}
	if len(added) != 3 {
		t.Fatalf("added %d items, want 3", len(added))
	}

	var names []string
	for _, it := range s.List() {
		names = append(names, it.Name)
	}
	if diff := cmp.Diff([]string{"a.jpg", "b.png", "c.jpg"}, names); diff != "" {
		t.Errorf("List() names mismatch (-want +got):\n%s", diff)
	}
	if got := s.TotalBytes(); got != int64(2*len(jpeg)+len(png)) {
		t.Errorf("TotalBytes() = %d", got)
	}
}

func TestStoreRemoveAndClear(t *testing.T) {
	s := NewStore()
	jpeg := encodeImage(t, imaging.JPEG)
	added, _ := s.Add(
		Source{Name: "1.jpg", Content: jpeg},
		Source{Name: "2.jpg", Content: jpeg},
		Source{Name: "3.jpg", Content: jpeg},
		Source{Name: "4.jpg", Content: jpeg},
	)

	if err := s.Remove(added[1].ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(added[3].ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if diff := cmp.Diff([]string{added[0].ID, added[2].ID}, ids(s.List())); diff != "" {
		t.Errorf("order after remove (-want +got):\n%s", diff)
	}

	if err := s.Remove(added[1].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Remove(removed id) = %v, want ErrNotFound", err)
	}
	if err := s.Remove("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Remove(missing) = %v, want ErrNotFound", err)
	}

	more, _ := s.Add(Source{Name: "5.jpg", Content: jpeg})
	if diff := cmp.Diff([]string{added[0].ID, added[2].ID, more[0].ID}, ids(s.List())); diff != "" {
		t.Errorf("order after re-add (-want +got):\n%s", diff)
	}

	s.Clear()
	if s.Len() != 0 || len(s.List()) != 0 {
		t.Errorf("store not empty after Clear: %d", s.Len())
	}
}

func TestStoreDropsUnsupported(t *testing.T) {
	s := NewStore()
	added, rejected := s.Add(
		Source{Name: "notes.txt", Content: []byte("just some text")},
		Source{Name: "fake.png", Content: []byte("not really a png at all")},
		Source{Name: "icon.svg", MediaType: "image/svg+xml", Content: []byte("<svg></svg>")},
		Source{Name: "ok.gif", Content: encodeImage(t, imaging.GIF)},
	)
	if rejected != 3 {
		t.Errorf("rejected = %d, want 3", rejected)
	}
	if len(added) != 1 || added[0].MediaType != "image/gif" {
		t.Fatalf("added = %+v, want one gif", added)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestNewItem(t *testing.T) {
	bmp := encodeImage(t, imaging.BMP)
	item, err := NewItem(Source{Name: "dir/pic.bmp", Content: bmp})
	if err != nil {
		t.Fatalf("NewItem: %v", err)
	}
	if item.Name != "pic.bmp" || item.MediaType != "image/bmp" || item.Size != int64(len(bmp)) {
		t.Errorf("unexpected item: %+v", item)
	}

	// content is copied so later mutation of the source does not leak in
	bmp[0] = 'X'
	if item.Content[0] == 'X' {
		t.Error("item content aliases source buffer")
	}

	if _, err := NewItem(Source{Name: "x.pdf", MediaType: "application/pdf", Content: []byte("%PDF-1.4")}); !errors.Is(err, ErrUnsupportedMediaType) {
		t.Errorf("NewItem(pdf) = %v, want ErrUnsupportedMediaType", err)
	}
}

func TestNewItemUniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	jpeg := encodeImage(t, imaging.JPEG)
	for i := 0; i < 500; i++ {
		item, err := NewItem(Source{Name: "a.jpg", Content: jpeg})
		if err != nil {
			t.Fatalf("NewItem: %v", err)
		}
		if seen[item.ID] {
			t.Fatalf("duplicate id %s", item.ID)
		}
		seen[item.ID] = true
	}
}

func TestResolveMediaType(t *testing.T) {
	png := encodeImage(t, imaging.PNG)
	tests := []struct {
		name string
		src  Source
		want string
	}{
		{"declared", Source{Name: "a", MediaType: "image/webp; q=1", Content: nil}, "image/webp"},
		{"declared jpg alias", Source{Name: "a", MediaType: "image/jpg"}, "image/jpeg"},
		{"sniffed", Source{Name: "noext", Content: png}, "image/png"},
		{"octet-stream declared falls through", Source{Name: "a.png", MediaType: "application/octet-stream", Content: png}, "image/png"},
		{"extension only", Source{Name: "empty.webp"}, "image/webp"},
		{"unknown", Source{Name: "empty"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveMediaType(tt.src); got != tt.want {
				t.Errorf("ResolveMediaType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCollectSources(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	write := func(path string, data []byte) {
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Fatal(err)
		}
	}
	write(filepath.Join(dir, "a.jpg"), encodeImage(t, imaging.JPEG))
	write(filepath.Join(sub, "b.PNG"), encodeImage(t, imaging.PNG))
	write(filepath.Join(sub, "readme.md"), []byte("# hi"))

	sources, err := CollectSources(dir)
	if err != nil {
		t.Fatalf("CollectSources: %v", err)
	}
	var names []string
	for _, src := range sources {
		names = append(names, src.Name)
	}
	if diff := cmp.Diff([]string{"a.jpg", "b.PNG"}, names); diff != "" {
		t.Errorf("collected names (-want +got):\n%s", diff)
	}

	if _, err := CollectSources(filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing path")
	}
}
