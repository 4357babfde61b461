package layout

import (
	"testing"

	"github.com/core-tools/hsu-workerdeploy/pkg/deployconfig"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApplication() deployconfig.Application {
	syslogOff := false
	return deployconfig.Application{
		Name:     "shop",
		Type:     "rails",
		DeployTo: "/srv/www/shop",
		Sidekiq: &deployconfig.SidekiqConfig{
			Syslog:         true,
			RestartCommand: "restart-it",
			Workers: []deployconfig.WorkerSpec{
				{Name: "default", ProcessCount: 3},
				{Name: "mailers", ProcessCount: 1, Syslog: &syslogOff, RestartCommand: "mail-restart"},
			},
		},
	}
}

func TestLayout_Paths(t *testing.T) {
	l := New(testApplication(), "/etc/monit/conf.d")

	assert.Equal(t, "/srv/www/shop/shared/config/sidekiq.yml", l.SharedConfigFile())
	assert.Equal(t, "/srv/www/shop/releases/r1", l.ReleaseDir("r1"))
	assert.Equal(t, "/srv/www/shop/releases/r1/config/sidekiq", l.ReleaseConfigDir("r1"))
	assert.Equal(t, "/srv/www/shop/releases/r1/tmp/pids", l.ReleasePIDDir("r1"))
	assert.Equal(t, "/srv/www/shop/releases/r1/config/sidekiq.yml", l.ReleaseSharedConfigLink("r1"))
	assert.Equal(t, "/srv/www/shop/releases/r1/config/sidekiq_shop.monitrc", l.DescriptorFile("r1"))
	assert.Equal(t, "/etc/monit/conf.d/sidekiq_shop.monitrc", l.DescriptorLink())
	assert.Equal(t, "sidekiq_shop_group", l.GroupName())
	assert.Equal(t, "/srv/www/shop/releases/r1/config/sidekiq/default2.yml", l.InstanceConfigFile("r1", "default", 2))
	assert.Equal(t, "/srv/www/shop/shared/log/sidekiq_default2.log", l.LogFile("default", 2))
}

func TestLayout_PIDFilesAreReleaseScoped(t *testing.T) {
	l := New(testApplication(), "/etc/monit/conf.d")

	assert.NotEqual(t, l.PIDFile("r1", "default", 1), l.PIDFile("r2", "default", 1))
	assert.Equal(t, "/srv/www/shop/releases/r2/tmp/pids/sidekiq_default1.pid", l.PIDFile("r2", "default", 1))
}

func TestLayout_Instances(t *testing.T) {
	app := testApplication()
	l := New(app, "/etc/monit/conf.d")

	instances := l.Instances("r1", app.Sidekiq)
	require.Len(t, instances, 4)

	names := make([]string, 0, len(instances))
	for _, instance := range instances {
		names = append(names, instance.Name)
	}
	assert.Equal(t, []string{"default1", "default2", "default3", "mailers1"}, names)

	assert.Equal(t, "sidekiq_shop-default3", instances[2].ProcessName)
	assert.Equal(t, 3, instances[2].Index)
	assert.True(t, instances[0].Syslog)
	assert.Equal(t, "restart-it", instances[0].Restart)
	assert.False(t, instances[3].Syslog)
	assert.Equal(t, "mail-restart", instances[3].Restart)

	assert.Nil(t, l.Instances("r1", nil))
}

func TestLayout_ReleaseFromDescriptor(t *testing.T) {
	l := New(testApplication(), "/etc/monit/conf.d")

	release, ok := l.ReleaseFromDescriptor(l.DescriptorFile("20240101120000"))
	assert.True(t, ok)
	assert.Equal(t, "20240101120000", release)

	for _, path := range []string{
		"/srv/www/blog/releases/r1/config/sidekiq_shop.monitrc",
		"/srv/www/shop/releases/r1/sidekiq_shop.monitrc",
		"/srv/www/shop/releases/r1/config/sidekiq_blog.monitrc",
		"",
	} {
		_, ok := l.ReleaseFromDescriptor(path)
		assert.False(t, ok, path)
	}
}
