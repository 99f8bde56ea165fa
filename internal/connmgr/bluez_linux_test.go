//go:build linux

package connmgr

import (
	"errors"
	"testing"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func managedFixture() map[dbus.ObjectPath]map[string]map[string]dbus.Variant {
	return map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		"/org/bluez/hci0": {adapterIface: {}},
		"/org/bluez/hci0/dev_00_11_22_33_44_55": {
			deviceIface: {
				"Address": dbus.MakeVariant("00:11:22:33:44:55"),
				"Name":    dbus.MakeVariant("Bob"),
				"UUIDs":   dbus.MakeVariant([]string{DefaultSecure.UUID.String()}),
			},
		},
		"/org/bluez/hci0/dev_66_77_88_99_AA_BB": {
			deviceIface: {
				"Alias": dbus.MakeVariant("speaker"),
				"UUIDs": dbus.MakeVariant([]string{"0000110b-0000-1000-8000-00805f9b34fb"}),
			},
		},
	}
}

func TestMacFromPath(t *testing.T) {
	assert.Equal(t, "00:11:22:33:44:55", macFromPath("/org/bluez/hci0/dev_00_11_22_33_44_55"))
	assert.Equal(t, "", macFromPath("/org/bluez/hci0"))
}

func TestDeviceFromIfaces_FiltersByUUID(t *testing.T) {
	objs := managedFixture()
	uuids := []string{DefaultSecure.UUID.String(), DefaultInsecure.UUID.String()}

	dev, ok := deviceFromIfaces("/org/bluez/hci0/dev_00_11_22_33_44_55", objs["/org/bluez/hci0/dev_00_11_22_33_44_55"], uuids)
	require.True(t, ok)
	assert.Equal(t, "Bob", dev.Name)
	assert.Equal(t, "00:11:22:33:44:55", dev.MAC)

	_, ok = deviceFromIfaces("/org/bluez/hci0/dev_66_77_88_99_AA_BB", objs["/org/bluez/hci0/dev_66_77_88_99_AA_BB"], uuids)
	assert.False(t, ok)

	dev, ok = deviceFromIfaces("/org/bluez/hci0/dev_66_77_88_99_AA_BB", objs["/org/bluez/hci0/dev_66_77_88_99_AA_BB"], nil)
	require.True(t, ok)
	assert.Equal(t, "speaker", dev.DisplayName())
	assert.Equal(t, "66:77:88:99:AA:BB", dev.MAC)

	_, ok = deviceFromIfaces("/org/bluez/hci0", objs["/org/bluez/hci0"], nil)
	assert.False(t, ok)
}

func TestFindDevice(t *testing.T) {
	objs := managedFixture()

	path, err := findDevice(objs, "00:11:22:33:44:55")
	require.NoError(t, err)
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_00_11_22_33_44_55"), path)

	path, err = findDevice(objs, "de:ad:be:ef:00:01")
	require.NoError(t, err)
	assert.Equal(t, dbus.ObjectPath("/org/bluez/hci0/dev_DE_AD_BE_EF_00_01"), path)

	delete(objs, "/org/bluez/hci0")
	_, err = findDevice(objs, "de:ad:be:ef:00:01")
	assert.Error(t, err)
}

func TestProfileOptions(t *testing.T) {
	opts := profileOptions(DefaultSecure, "server")
	assert.Equal(t, true, opts["RequireAuthentication"].Value())
	assert.Equal(t, false, opts["RequireAuthorization"].Value())
	assert.Equal(t, uint16(22), opts["Channel"].Value())

	opts = profileOptions(DefaultInsecure, "client")
	assert.Equal(t, false, opts["RequireAuthentication"].Value())
	assert.Equal(t, false, opts["RequireAuthorization"].Value())
	_, hasChannel := opts["Channel"]
	assert.False(t, hasChannel)
}

func TestClientProfile_ForgetRemovesWaiter(t *testing.T) {
	p := &clientProfile{waiters: make(map[dbus.ObjectPath]chan acceptResult)}
	ch := p.expect("/org/bluez/hci0/dev_00_11_22_33_44_55")
	p.forget("/org/bluez/hci0/dev_00_11_22_33_44_55", ch)
	assert.Empty(t, p.waiters)
}

func TestBluezListener_AcceptSkipsBadFD(t *testing.T) {
	logger, hook := test.NewNullLogger()
	prof := &serverProfile{ch: make(chan acceptResult, 1), done: make(chan struct{})}
	l := &bluezListener{owner: &bluez{log: logger}, id: DefaultSecure, prof: prof}

	prof.ch <- acceptResult{fd: -1, dev: Device{MAC: "00:11:22:33:44:55"}}
	errc := make(chan error, 1)
	go func() {
		_, _, err := l.Accept()
		errc <- err
	}()

	require.Eventually(t, func() bool { return len(prof.ch) == 0 }, time.Second, 5*time.Millisecond)
	select {
	case err := <-errc:
		t.Fatalf("Accept returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(prof.done)
	select {
	case err := <-errc:
		assert.True(t, errors.Is(err, ErrListenerClosed))
	case <-time.After(time.Second):
		t.Fatal("Accept did not return after close")
	}
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "dropping inbound connection", hook.LastEntry().Message)
}
