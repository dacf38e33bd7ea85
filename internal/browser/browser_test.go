package browser

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/campaign-runner/internal/submit"
)

func TestQuery(t *testing.T) {
	q, _ := query(submit.CSS(`button[type="submit"]`))
	assert.Equal(t, `button[type="submit"]`, q)

	q, _ = query(submit.ButtonText("Order"))
	assert.Equal(t, `//button[contains(normalize-space(.), "Order")]`, q)
}

func TestXPathLiteral(t *testing.T) {
	assert.Equal(t, `"تأكيد"`, xpathLiteral("تأكيد"))
	assert.Equal(t, `'say "hi"'`, xpathLiteral(`say "hi"`))
	assert.Equal(t, `concat("it's ", '"', "x", '"', "")`, xpathLiteral(`it's "x"`))
}

func TestConfigOptions(t *testing.T) {
	base := len(chromedp.DefaultExecAllocatorOptions)

	plain := Config{Headless: true}.options()
	assert.Len(t, plain, base+5)

	full := Config{Headless: true, UserAgent: "ua", ExecPath: "/usr/bin/chromium"}.options()
	assert.Len(t, full, base+7)
}

func TestAllocateFailsWithoutBrowser(t *testing.T) {
	a := NewAllocator(Config{
		ExecPath:      filepath.Join(t.TempDir(), "no-such-chrome"),
		Headless:      true,
		LaunchTimeout: 5 * time.Second,
	})

	pool, err := a.Allocate(context.Background())
	require.Error(t, err)
	assert.Nil(t, pool)
}

func TestPoolAcquireAfterClose(t *testing.T) {
	allocCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{allocCtx: allocCtx, cancel: cancel, launchTimeout: time.Second}

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}
