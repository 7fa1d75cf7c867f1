// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package verifier

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/go-measuredboot/attestor"
	"github.com/google/go-measuredboot/internal/testutil"
	"github.com/google/go-measuredboot/platform"
	pb "github.com/google/go-measuredboot/proto/attestation"
	"github.com/google/go-measuredboot/quote"
	"github.com/google/go-measuredboot/register"
	"github.com/google/go-measuredboot/rim"
	"github.com/google/go-measuredboot/tcg"
	"github.com/google/go-measuredboot/transport"
	"github.com/google/go-measuredboot/verdict"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	image   = []byte("boot image v1")
	nonce   = []byte("0123456789abcdef")
)

type fixture struct {
	signer *quote.Signer
	cfg    Config
	dump   testutil.Dump
}

func newFixture(t *testing.T, ms ...testutil.Measurement) *fixture {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	signer, err := quote.NewSigner(key)
	require.NoError(t, err)
	manifest, err := rim.NewManifest(rim.Metadata{TagID: "test"}, []rim.Entry{
		{Name: "boot.bin", Digest: testutil.Hash(crypto.SHA256, image)},
		{Name: "crtm", Digest: testutil.Hash(crypto.SHA256, []byte("crtm"))},
	})
	require.NoError(t, err)
	if len(ms) == 0 {
		ms = []testutil.Measurement{
			{Index: 0, Type: tcg.SCRTMVersion, Data: []byte("crtm")},
			{Index: 4, Type: tcg.EFIBootServicesApplication, Data: []byte("boot.bin"), Digest: testutil.Hash(crypto.SHA256, image)},
		}
	}
	sel, err := quote.NewSelection(register.HashSHA256, 0, 4)
	require.NoError(t, err)
	return &fixture{
		signer: signer,
		dump:   testutil.NewDump(t, register.HashSHA256, ms...),
		cfg: Config{
			Selection:  sel,
			TrustedKey: key.Public(),
			Manifest:   manifest,
			Policy:     rim.PolicyFailClosed,
			Logger:     discard,
		},
	}
}

// quotedPCRs returns the dump's values for the selected PCRs.
func (f *fixture) quotedPCRs(t *testing.T) []register.PCR {
	t.Helper()
	var out []register.PCR
	for _, idx := range f.cfg.Selection.PCRs {
		pcr, ok := f.dump.Bank().Lookup(idx)
		if !ok {
			pcr = register.PCR{Index: idx, Digest: make([]byte, 32), DigestAlg: crypto.SHA256}
		}
		out = append(out, register.PCR{Index: pcr.Index, Digest: bytes.Clone(pcr.Digest), DigestAlg: pcr.DigestAlg})
	}
	return out
}

func (f *fixture) response(t *testing.T, pcrs []register.PCR, qualifyingData []byte) *pb.Response {
	t.Helper()
	q := &quote.Quote{Selection: f.cfg.Selection, PCRs: pcrs, QualifyingData: qualifyingData}
	require.NoError(t, f.signer.Sign(q))
	resp := &pb.Response{AttestorID: "attestor456", EventLog: f.dump.Log.Raw}
	bitmap := q.Selection.Bitmap()
	resp.Quote = &pb.Quote{
		HashAlg:        uint32(q.Selection.Hash.GoTPMAlg()),
		PCRSelect:      bitmap[:],
		QualifyingData: q.QualifyingData,
		Signature:      q.Signature,
	}
	for _, p := range pcrs {
		v := pb.PCRValue{Index: uint32(p.Index), Value: p.Digest}
		resp.PCRs = append(resp.PCRs, v)
		resp.Quote.PCRs = append(resp.Quote.PCRs, v)
	}
	return resp
}

func TestProcessVerified(t *testing.T) {
	f := newFixture(t)
	res, err := Process(&f.cfg, nonce, f.response(t, f.quotedPCRs(t), nonce).Marshal())
	require.NoError(t, err)
	assert.Equal(t, Verified, res.Verdict)
	assert.Equal(t, "attestor456", res.AttestorID)
	assert.Equal(t, rim.Summary{Verified: 2}, res.Summary)
	require.Len(t, res.Events, 2)
	assert.Equal(t, "boot.bin", res.Events[1].Name)
	assert.Equal(t, rim.Verified, res.Events[1].Verdict)
	assert.Equal(t, []int{0, 4}, res.Replayed.Indexes())
}

func TestProcessDigestMismatch(t *testing.T) {
	f := newFixture(t,
		testutil.Measurement{Index: 0, Type: tcg.SCRTMVersion, Data: []byte("crtm")},
		testutil.Measurement{Index: 4, Type: tcg.EFIBootServicesApplication, Data: []byte("boot.bin"), Digest: testutil.Hash(crypto.SHA256, []byte("boot image v2"))},
	)
	res, err := Process(&f.cfg, nonce, f.response(t, f.quotedPCRs(t), nonce).Marshal())
	assert.Equal(t, verdict.DigestMismatch, verdict.CauseOf(err))
	assert.Equal(t, Failed, res.Verdict)
	assert.Equal(t, verdict.DigestMismatch, res.Cause)
	require.Len(t, res.Events, 2)
	assert.Equal(t, rim.Verified, res.Events[0].Verdict)
	assert.Equal(t, rim.DigestMismatch, res.Events[1].Verdict)
	assert.Equal(t, rim.Summary{Verified: 1, DigestMismatch: 1}, res.Summary)
}

func TestProcessUnknownComponentPolicy(t *testing.T) {
	ms := []testutil.Measurement{
		{Index: 0, Type: tcg.SCRTMVersion, Data: []byte("crtm")},
		{Index: 4, Type: tcg.EFIBootServicesApplication, Data: []byte("boot.bin"), Digest: testutil.Hash(crypto.SHA256, image)},
		{Index: 4, Type: tcg.EFIBootServicesApplication, Data: []byte("extra.efi")},
	}
	for _, tc := range []struct {
		policy    rim.Policy
		wantCause verdict.Cause
	}{
		{rim.PolicyFailClosed, verdict.NoReferenceEntry},
		{rim.PolicyWarnOnly, 0},
	} {
		t.Run(tc.policy.String(), func(t *testing.T) {
			f := newFixture(t, ms...)
			f.cfg.Policy = tc.policy
			res, err := Process(&f.cfg, nonce, f.response(t, f.quotedPCRs(t), nonce).Marshal())
			assert.Equal(t, tc.wantCause, verdict.CauseOf(err))
			assert.Equal(t, 1, res.Summary.NoReferenceEntry)
			assert.Equal(t, rim.NoReferenceEntry, res.Events[2].Verdict)
			if tc.wantCause == 0 {
				assert.Equal(t, Verified, res.Verdict)
			}
		})
	}
}

func TestProcessFailures(t *testing.T) {
	for _, tc := range []struct {
		name  string
		build func(t *testing.T, f *fixture) []byte
		want  verdict.Cause
	}{
		{
			name:  "garbage",
			build: func(t *testing.T, f *fixture) []byte { return []byte{0xff} },
			want:  verdict.MalformedResponse,
		},
		{
			name: "attestor error",
			build: func(t *testing.T, f *fixture) []byte {
				return (&pb.Response{AttestorID: "a", Error: "CollectionFailure: no TPM"}).Marshal()
			},
			want: verdict.AttestorError,
		},
		{
			name: "no quote",
			build: func(t *testing.T, f *fixture) []byte {
				resp := f.response(t, f.quotedPCRs(t), nonce)
				resp.Quote = nil
				return resp.Marshal()
			},
			want: verdict.MalformedResponse,
		},
		{
			name: "stale nonce",
			build: func(t *testing.T, f *fixture) []byte {
				return f.response(t, f.quotedPCRs(t), []byte("fedcba9876543210")).Marshal()
			},
			want: verdict.NonceMismatch,
		},
		{
			name: "untrusted key",
			build: func(t *testing.T, f *fixture) []byte {
				key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
				require.NoError(t, err)
				f.signer, err = quote.NewSigner(key)
				require.NoError(t, err)
				return f.response(t, f.quotedPCRs(t), nonce).Marshal()
			},
			want: verdict.InvalidSignature,
		},
		{
			name: "tampered quote value",
			build: func(t *testing.T, f *fixture) []byte {
				resp := f.response(t, f.quotedPCRs(t), nonce)
				resp.Quote.PCRs[0].Value = bytes.Clone(resp.Quote.PCRs[0].Value)
				resp.Quote.PCRs[0].Value[0] ^= 1
				return resp.Marshal()
			},
			want: verdict.InvalidSignature,
		},
		{
			name: "response PCRs differ from quote",
			build: func(t *testing.T, f *fixture) []byte {
				resp := f.response(t, f.quotedPCRs(t), nonce)
				resp.PCRs[1].Value = make([]byte, 32)
				return resp.Marshal()
			},
			want: verdict.MalformedResponse,
		},
		{
			name: "quote over other PCRs",
			build: func(t *testing.T, f *fixture) []byte {
				requested := f.cfg.Selection
				f.cfg.Selection, _ = quote.NewSelection(register.HashSHA256, 0)
				raw := f.response(t, f.quotedPCRs(t), nonce).Marshal()
				f.cfg.Selection = requested
				return raw
			},
			want: verdict.MalformedResponse,
		},
		{
			name: "quoted PCR0 one bit off the replay",
			build: func(t *testing.T, f *fixture) []byte {
				pcrs := f.quotedPCRs(t)
				pcrs[0].Digest[31] ^= 0x01
				return f.response(t, pcrs, nonce).Marshal()
			},
			want: verdict.PcrMismatch,
		},
		{
			name: "quoted PCR never extended",
			build: func(t *testing.T, f *fixture) []byte {
				f.cfg.Selection, _ = quote.NewSelection(register.HashSHA256, 0, 4, 5)
				return f.response(t, f.quotedPCRs(t), nonce).Marshal()
			},
			want: verdict.MissingReplayData,
		},
		{
			name: "truncated event log",
			build: func(t *testing.T, f *fixture) []byte {
				resp := f.response(t, f.quotedPCRs(t), nonce)
				resp.EventLog = resp.EventLog[:len(resp.EventLog)-3]
				return resp.Marshal()
			},
			want: verdict.Truncated,
		},
		{
			name: "trailing padding",
			build: func(t *testing.T, f *fixture) []byte {
				resp := f.response(t, f.quotedPCRs(t), nonce)
				resp.EventLog = append(bytes.Clone(resp.EventLog), 0xff, 0xff, 0xff, 0xff)
				return resp.Marshal()
			},
			want: verdict.TrailingData,
		},
		{
			name: "sha1 only event log",
			build: func(t *testing.T, f *fixture) []byte {
				resp := f.response(t, f.quotedPCRs(t), nonce)
				resp.EventLog = testutil.SHA1Log(testutil.SHA1Event{Index: 0, Type: tcg.PostCode, Data: []byte("x")})
				return resp.Marshal()
			},
			want: verdict.MalformedEventLog,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			raw := tc.build(t, f)
			res, err := Process(&f.cfg, nonce, raw)
			assert.Equal(t, tc.want, verdict.CauseOf(err), "error: %v", err)
			require.NotNil(t, res)
			assert.Equal(t, Failed, res.Verdict)
			assert.Equal(t, tc.want, res.Cause)
			if tc.want != verdict.DigestMismatch {
				assert.Empty(t, res.Events, "RIM matching ran after an earlier failure")
			}
		})
	}
}

func TestProcessRejectsInvalidConfig(t *testing.T) {
	f := newFixture(t)
	f.cfg.Policy = 0
	_, err := Process(&f.cfg, nonce, f.response(t, f.quotedPCRs(t), nonce).Marshal())
	assert.ErrorIs(t, err, rim.ErrPolicyUnset)

	_, err = NewSession(Config{}, nil)
	assert.Error(t, err)
}

func TestConfigNonceSize(t *testing.T) {
	for _, tc := range []struct {
		size    int
		wantErr bool
	}{
		{size: 0},
		{size: MinNonceSize},
		{size: MaxNonceSize},
		{size: -1, wantErr: true},
		{size: 1, wantErr: true},
		{size: MinNonceSize - 1, wantErr: true},
		{size: MaxNonceSize + 1, wantErr: true},
	} {
		cfg := newFixture(t).cfg
		cfg.NonceSize = tc.size
		err := cfg.Validate()
		if tc.wantErr {
			assert.ErrorContains(t, err, "nonce size", "size %d", tc.size)
		} else {
			assert.NoError(t, err, "size %d", tc.size)
		}
	}
}

type fixedReader struct{ b []byte }

func (r fixedReader) Read(p []byte) (int, error) {
	return copy(p, r.b), nil
}

func TestSessionAgainstAttestor(t *testing.T) {
	f := newFixture(t)
	p, err := platform.NewSoftware(platform.SoftwareConfig{Signer: f.signer})
	require.NoError(t, err)
	require.NoError(t, p.Measure(platform.Measurement{PCR: 0, Type: tcg.SCRTMVersion, Name: "crtm"}))
	require.NoError(t, p.Measure(platform.Measurement{PCR: 4, Type: tcg.EFIBootServicesApplication, Name: "boot.bin", Content: image}))

	vEnd, aEnd := transport.NewPipe()
	attested := make(chan error, 1)
	go func() {
		attested <- attestor.NewSession(attestor.Config{Platform: p, Logger: discard}, aEnd).Run(context.Background())
	}()

	sess, err := NewSession(f.cfg, vEnd)
	require.NoError(t, err)
	res, err := sess.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, <-attested)
	assert.Equal(t, StateDone, sess.State())
	assert.Equal(t, Verified, res.Verdict)
	assert.Equal(t, sess.ID.String(), res.SessionID)
	assert.Len(t, sess.Nonce(), DefaultNonceSize)

	// Measuring an unexpected image changes PCR4 and the RIM verdict.
	require.NoError(t, p.Measure(platform.Measurement{PCR: 4, Type: tcg.EFIBootServicesApplication, Name: "boot.bin", Content: []byte("evil")}))
	vEnd, aEnd = transport.NewPipe()
	go func() {
		attested <- attestor.NewSession(attestor.Config{Platform: p, Logger: discard}, aEnd).Run(context.Background())
	}()
	sess, err = NewSession(f.cfg, vEnd)
	require.NoError(t, err)
	res, err = sess.Run(context.Background())
	assert.Equal(t, verdict.DigestMismatch, verdict.CauseOf(err))
	assert.Equal(t, StateError, sess.State())
	assert.Equal(t, rim.DigestMismatch, res.Events[2].Verdict)
	require.NoError(t, <-attested)
}

func TestSessionReplayedQuoteRejected(t *testing.T) {
	f := newFixture(t)
	f.cfg.Rand = fixedReader{b: bytes.Repeat([]byte{0x42}, 16)}
	// An old response, recorded for a different challenge.
	recorded := f.response(t, f.quotedPCRs(t), nonce).Marshal()
	vEnd, aEnd := transport.NewPipe()
	go func() {
		aEnd.Receive(context.Background(), time.Second)
		aEnd.Send(context.Background(), recorded)
	}()
	sess, err := NewSession(f.cfg, vEnd)
	require.NoError(t, err)
	res, err := sess.Run(context.Background())
	assert.Equal(t, verdict.NonceMismatch, verdict.CauseOf(err))
	assert.Equal(t, verdict.ClassTrust, res.Cause.Class())
}

func TestSessionTransportFailures(t *testing.T) {
	f := newFixture(t)
	f.cfg.Timeout = 20 * time.Millisecond

	vEnd, _ := transport.NewPipe()
	sess, err := NewSession(f.cfg, vEnd)
	require.NoError(t, err)
	res, err := sess.Run(context.Background())
	assert.Equal(t, verdict.Timeout, verdict.CauseOf(err))
	assert.True(t, res.Cause.Retryable())
	assert.Equal(t, StateError, sess.State())

	vEnd, _ = transport.NewPipe(transport.WithSendError(transport.ErrClosed))
	sess, err = NewSession(f.cfg, vEnd)
	require.NoError(t, err)
	_, err = sess.Run(context.Background())
	assert.Equal(t, verdict.TransportFailure, verdict.CauseOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	vEnd, _ = transport.NewPipe()
	sess, err = NewSession(f.cfg, vEnd)
	require.NoError(t, err)
	_, err = sess.Run(ctx)
	assert.Equal(t, verdict.Cancelled, verdict.CauseOf(err))
}
