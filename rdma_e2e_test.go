package rdma

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connPair brings up a full connection over loopback TCP. Tests are skipped
// on machines without an RDMA-capable device (including soft-RoCE).
func connPair(t *testing.T) (*Rdma, *Rdma) {
	t.Helper()
	if devs, err := Devices(); err != nil || len(devs) == 0 {
		t.Skip("no rdma device available")
	}

	listener, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	type accepted struct {
		r   *Rdma
		err error
	}
	ch := make(chan accepted, 1)
	go func() {
		r, err := listener.Accept()
		ch <- accepted{r, err}
	}()

	client, err := Dial(listener.Addr().String())
	require.NoError(t, err)

	srv := <-ch
	require.NoError(t, srv.err)
	t.Cleanup(func() {
		client.Close()
		srv.r.Close()
	})
	return client, srv.r
}

func e2eCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestE2ESendRecv(t *testing.T) {
	client, server := connPair(t)
	ctx := e2eCtx(t)

	recvMR, err := server.AllocLocalMR(LayoutOf(16))
	require.NoError(t, err)
	defer recvMR.Close()

	recvDone := make(chan int, 1)
	recvErr := make(chan error, 1)
	go func() {
		n, err := server.Recv(ctx, recvMR)
		recvErr <- err
		recvDone <- n
	}()

	// Leave the RECV time to be posted before the SEND departs.
	time.Sleep(50 * time.Millisecond)

	sendMR, err := client.AllocLocalMR(LayoutOf(16))
	require.NoError(t, err)
	defer sendMR.Close()
	buf, err := sendMR.Bytes()
	require.NoError(t, err)
	for i := range buf {
		buf[i] = byte(i + 1)
	}
	require.NoError(t, client.Send(ctx, sendMR))

	require.NoError(t, <-recvErr)
	assert.Equal(t, 16, <-recvDone)
	got, err := recvMR.Bytes()
	require.NoError(t, err)
	assert.Equal(t, buf, got)
}

func TestE2EOneSidedWrite(t *testing.T) {
	client, server := connPair(t)
	ctx := e2eCtx(t)

	remote, err := client.AllocRemoteMR(ctx, Layout{Size: 4, Align: 4})
	require.NoError(t, err)

	local, err := client.AllocLocalMR(Layout{Size: 4, Align: 4})
	require.NoError(t, err)
	defer local.Close()
	buf, err := local.Bytes()
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(buf, 0x04030201)

	require.NoError(t, client.Write(ctx, local, remote))
	require.NoError(t, client.SendMR(ctx, remote))

	mr, err := server.RecvMR(ctx)
	require.NoError(t, err)
	data, err := mr.Bytes()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04030201), binary.LittleEndian.Uint32(data))
}

func TestE2EOneSidedRead(t *testing.T) {
	client, server := connPair(t)
	ctx := e2eCtx(t)

	src, err := server.AllocLocalMR(LayoutOf(4))
	require.NoError(t, err)
	defer src.Close()
	buf, err := src.Bytes()
	require.NoError(t, err)
	copy(buf, []byte{1, 2, 3, 4})
	require.NoError(t, server.SendMR(ctx, src))

	remote, err := client.RecvMR(ctx)
	require.NoError(t, err)
	local, err := client.AllocLocalMR(LayoutOf(4))
	require.NoError(t, err)
	defer local.Close()

	require.NoError(t, client.Read(ctx, local, remote))
	got, err := local.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestE2ERemoteMRRelease(t *testing.T) {
	client, server := connPair(t)
	ctx := e2eCtx(t)

	before := server.agent.ownedMRCount()
	remote, err := client.AllocRemoteMR(ctx, LayoutOf(64))
	require.NoError(t, err)
	require.Equal(t, before+1, server.agent.ownedMRCount())

	require.NoError(t, remote.Close())
	assert.Eventually(t, func() bool {
		return server.agent.ownedMRCount() == before
	}, 5*time.Second, 20*time.Millisecond)
}

func TestE2EConcurrentWrites(t *testing.T) {
	client, _ := connPair(t)
	ctx := e2eCtx(t)

	const parts = 16
	const partLen = 256

	remote, err := client.AllocRemoteMR(ctx, LayoutOf(parts*partLen))
	require.NoError(t, err)

	locals := make([]*MemoryRegion, parts)
	subs := make([]*MemoryRegion, parts)
	for i := 0; i < parts; i++ {
		locals[i], err = client.AllocLocalMR(LayoutOf(partLen))
		require.NoError(t, err)
		buf, err := locals[i].Bytes()
		require.NoError(t, err)
		for j := range buf {
			buf[j] = byte(i)
		}
		subs[i], err = remote.Slice(i*partLen, (i+1)*partLen)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, parts)
	for i := 0; i < parts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- client.Write(ctx, locals[i], subs[i])
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := 0; i < parts; i++ {
		require.NoError(t, subs[i].Close())
		require.NoError(t, locals[i].Close())
	}

	check, err := client.AllocLocalMR(LayoutOf(parts * partLen))
	require.NoError(t, err)
	defer check.Close()
	require.NoError(t, client.Read(ctx, check, remote))

	got, err := check.Bytes()
	require.NoError(t, err)
	for i := 0; i < parts; i++ {
		want := bytes.Repeat([]byte{byte(i)}, partLen)
		assert.Equal(t, want, got[i*partLen:(i+1)*partLen], "segment %d", i)
	}
}

func TestE2EWriteReadRoundTrip(t *testing.T) {
	client, _ := connPair(t)
	ctx := e2eCtx(t)

	remote, err := client.AllocRemoteMR(ctx, LayoutOf(32))
	require.NoError(t, err)

	out, err := client.AllocLocalMR(LayoutOf(32))
	require.NoError(t, err)
	defer out.Close()
	buf, err := out.Bytes()
	require.NoError(t, err)
	for i := range buf {
		buf[i] = byte(0xA0 ^ i)
	}

	in, err := client.AllocLocalMR(LayoutOf(32))
	require.NoError(t, err)
	defer in.Close()

	require.NoError(t, client.Write(ctx, out, remote))
	require.NoError(t, client.Read(ctx, in, remote))

	got, err := in.Bytes()
	require.NoError(t, err)
	assert.Equal(t, buf, got)
}

func TestE2ELoopbackHandshake(t *testing.T) {
	if devs, err := Devices(); err != nil || len(devs) == 0 {
		t.Skip("no rdma device available")
	}

	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	// A queue pair can be paired with itself; one-sided ops then target the
	// local process.
	require.NoError(t, r.Handshake(r.Endpoint()))

	ctx := e2eCtx(t)
	src, err := r.AllocLocalMR(LayoutOf(8))
	require.NoError(t, err)
	defer src.Close()
	buf, err := src.Bytes()
	require.NoError(t, err)
	copy(buf, []byte{8, 7, 6, 5, 4, 3, 2, 1})

	dst, err := r.AllocLocalMR(LayoutOf(8))
	require.NoError(t, err)
	defer dst.Close()

	// Treat dst as remote memory through its own token.
	remote := newRemoteMR(dst.Token(), nil)
	require.NoError(t, r.Write(ctx, src, remote))

	got, err := dst.Bytes()
	require.NoError(t, err)
	assert.Equal(t, buf, got)
}
