package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/link-sentinel/internal/domain"
)

func TestNormalizeTargetDomain(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want string
	}{
		{"https://www.Foo.com/bar", "foo.com"},
		{"FOO.com", "foo.com"},
		{"foo.com", "foo.com"},
		{"http://blog.example.org/post?x=1", "blog.example.org"},
		{"  www.Example.COM  ", "example.com"},
	}
	for _, tc := range cases {
		got, err := domain.NormalizeTargetDomain(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestNormalizeTargetDomain_Invalid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "   ", "not a domain", "https://", "localhost"} {
		_, err := domain.NormalizeTargetDomain(in)
		require.Error(t, err, in)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, in)
	}
}

func TestHostMatchesTarget(t *testing.T) {
	t.Parallel()
	assert.True(t, domain.HostMatchesTarget("target.com", "target.com"))
	assert.True(t, domain.HostMatchesTarget("www.target.com", "target.com"))
	assert.True(t, domain.HostMatchesTarget("shop.target.com", "target.com"))
	assert.True(t, domain.HostMatchesTarget("Target.COM", "target.com"))
	assert.False(t, domain.HostMatchesTarget("nottarget.com", "target.com"))
	assert.False(t, domain.HostMatchesTarget("target.com.evil.io", "target.com"))
}

func TestValidateSourceURL(t *testing.T) {
	t.Parallel()
	require.NoError(t, domain.ValidateSourceURL("https://example.com/page"))
	require.NoError(t, domain.ValidateSourceURL("http://example.com"))
	for _, in := range []string{"", "ftp://example.com", "example.com/page", "https://"} {
		err := domain.ValidateSourceURL(in)
		require.Error(t, err, in)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, in)
	}
}

func TestJobID_Deterministic(t *testing.T) {
	t.Parallel()
	a := domain.JobID(domain.KindBatch, "https://src/a", "p1")
	b := domain.JobID(domain.KindBatch, "https://src/a", "p1")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, domain.JobID(domain.KindSheet, "https://src/a", "p1"))
	assert.NotEqual(t, a, domain.JobID(domain.KindBatch, "https://src/b", "p1"))
	assert.NotEqual(t, a, domain.JobID(domain.KindBatch, "https://src/a", "p2"))
}

func TestApplyVerdict(t *testing.T) {
	t.Parallel()
	l := domain.Link{ID: "l1", State: domain.StateRunning}
	v := domain.Verdict{
		Status:       domain.StateOK,
		ResponseCode: 200,
		Indexable:    true,
		LinkClass:    domain.ClassDofollow,
		LoadTimeMS:   1234,
	}
	l.ApplyVerdict(v)
	require.NotNil(t, l.ResponseCode)
	assert.Equal(t, 200, *l.ResponseCode)
	assert.Equal(t, domain.StateOK, l.State)
	assert.Nil(t, l.CanonicalURL)
	assert.Nil(t, l.NonIndexableReason)
	require.NotNil(t, l.LinkClass)
	assert.Equal(t, domain.ClassDofollow, *l.LinkClass)
}
