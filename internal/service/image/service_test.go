package image

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagemill/internal/model"
	imagerepo "imagemill/internal/repository/image"
)

type fakeBlobs struct {
	saved   map[string][]byte
	saveErr error
	deleted []string
	loads   int
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{saved: make(map[string][]byte)}
}

func (f *fakeBlobs) Save(_ context.Context, subdir, filename string, src io.Reader, _ int64, _ string) (string, error) {
	if f.saveErr != nil {
		return "", f.saveErr
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return "", err
	}
	ref := subdir + "/" + filename
	f.saved[ref] = data
	return ref, nil
}

func (f *fakeBlobs) Load(_ context.Context, ref string) (io.ReadCloser, error) {
	f.loads++
	data, ok := f.saved[ref]
	if !ok {
		return nil, errors.New("no such blob")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBlobs) Delete(_ context.Context, ref string) error {
	f.deleted = append(f.deleted, ref)
	delete(f.saved, ref)
	return nil
}

type fakeRepo struct {
	images  map[uuid.UUID]model.Image
	saveErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{images: make(map[uuid.UUID]model.Image)}
}

func (f *fakeRepo) SaveImage(_ context.Context, img model.Image) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.images[img.ID] = img
	return nil
}

func (f *fakeRepo) GetImage(_ context.Context, id uuid.UUID) (model.Image, error) {
	img, ok := f.images[id]
	if !ok {
		return model.Image{}, imagerepo.ErrImageNotFound
	}
	return img, nil
}

func (f *fakeRepo) DeleteImage(_ context.Context, id uuid.UUID) error {
	if _, ok := f.images[id]; !ok {
		return imagerepo.ErrImageNotFound
	}
	delete(f.images, id)
	return nil
}

type fakeProducer struct {
	events []model.UploadedEvent
	err    error
}

func (f *fakeProducer) ImageUploaded(_ context.Context, ev model.UploadedEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	require.NoError(t, png.Encode(buf, image.NewRGBA(image.Rect(0, 0, width, height))))
	return buf.Bytes()
}

func TestSaveImage(t *testing.T) {
	blobs := newFakeBlobs()
	repo := newFakeRepo()
	producer := &fakeProducer{}
	svc := NewService(blobs, repo, producer)

	data := pngBytes(t, 640, 480)
	img, err := svc.SaveImage(context.Background(), "alice", "pic.png", "image/png", bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, "alice", img.OwnerID)
	assert.Equal(t, 640, img.Width)
	assert.Equal(t, 480, img.Height)
	assert.Equal(t, int64(len(data)), img.Size)
	assert.Len(t, img.ContentHash, 64)

	assert.Contains(t, blobs.saved, img.StorageRef)
	_, ok := repo.images[img.ID]
	assert.True(t, ok)

	require.Len(t, producer.events, 1)
	assert.Equal(t, img.ID, producer.events[0].ImageID)
	assert.Equal(t, img.ContentHash, producer.events[0].ContentHash)
}

func TestSaveImage_RejectsNonImage(t *testing.T) {
	svc := NewService(newFakeBlobs(), newFakeRepo(), &fakeProducer{})

	_, err := svc.SaveImage(context.Background(), "alice", "notes.txt", "text/plain",
		bytes.NewReader([]byte("plain text")))

	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestSaveImage_ContentHashStable(t *testing.T) {
	svc := NewService(newFakeBlobs(), newFakeRepo(), &fakeProducer{})
	data := pngBytes(t, 10, 10)

	a, err := svc.SaveImage(context.Background(), "alice", "a.png", "image/png", bytes.NewReader(data))
	require.NoError(t, err)
	b, err := svc.SaveImage(context.Background(), "alice", "b.png", "image/png", bytes.NewReader(data))
	require.NoError(t, err)

	assert.Equal(t, a.ContentHash, b.ContentHash)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestSaveImage_RollsBackBlobOnRepoFailure(t *testing.T) {
	blobs := newFakeBlobs()
	repo := newFakeRepo()
	repo.saveErr = errors.New("db down")
	svc := NewService(blobs, repo, &fakeProducer{})

	_, err := svc.SaveImage(context.Background(), "alice", "pic.png", "image/png",
		bytes.NewReader(pngBytes(t, 10, 10)))

	require.Error(t, err)
	assert.Len(t, blobs.deleted, 1)
	assert.Empty(t, blobs.saved)
}

func TestSaveImage_SurvivesProducerFailure(t *testing.T) {
	svc := NewService(newFakeBlobs(), newFakeRepo(), &fakeProducer{err: errors.New("broker down")})

	_, err := svc.SaveImage(context.Background(), "alice", "pic.png", "image/png",
		bytes.NewReader(pngBytes(t, 10, 10)))

	assert.NoError(t, err, "a lost warm-up event must not fail the upload")
}

func TestGetImage(t *testing.T) {
	blobs := newFakeBlobs()
	repo := newFakeRepo()
	svc := NewService(blobs, repo, &fakeProducer{})

	data := pngBytes(t, 10, 10)
	saved, err := svc.SaveImage(context.Background(), "alice", "pic.png", "image/png", bytes.NewReader(data))
	require.NoError(t, err)

	img, rc, err := svc.GetImage(context.Background(), saved.ID)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)

	assert.Equal(t, saved.ID, img.ID)
	assert.Equal(t, data, got)

	_, _, err = svc.GetImage(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, imagerepo.ErrImageNotFound))
}

// A metadata read must not download the blob.
func TestGetImageMeta(t *testing.T) {
	blobs := newFakeBlobs()
	repo := newFakeRepo()
	svc := NewService(blobs, repo, &fakeProducer{})

	saved, err := svc.SaveImage(context.Background(), "alice", "pic.png", "image/png",
		bytes.NewReader(pngBytes(t, 32, 16)))
	require.NoError(t, err)

	img, err := svc.GetImageMeta(context.Background(), saved.ID)
	require.NoError(t, err)

	assert.Equal(t, saved.ID, img.ID)
	assert.Equal(t, 32, img.Width)
	assert.Equal(t, 16, img.Height)
	assert.Equal(t, 0, blobs.loads)

	_, err = svc.GetImageMeta(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, imagerepo.ErrImageNotFound))
}

func TestDeleteImage(t *testing.T) {
	blobs := newFakeBlobs()
	repo := newFakeRepo()
	svc := NewService(blobs, repo, &fakeProducer{})

	saved, err := svc.SaveImage(context.Background(), "alice", "pic.png", "image/png",
		bytes.NewReader(pngBytes(t, 10, 10)))
	require.NoError(t, err)

	// Only the owner may delete.
	err = svc.DeleteImage(context.Background(), saved.ID, "mallory")
	assert.True(t, errors.Is(err, ErrForbidden))

	require.NoError(t, svc.DeleteImage(context.Background(), saved.ID, "alice"))
	_, _, err = svc.GetImage(context.Background(), saved.ID)
	assert.True(t, errors.Is(err, imagerepo.ErrImageNotFound))
}
