// Package upgrade has firmware commands: checksum and over-the-air upgrade.
package upgrade

import (
	"context"

	"github.com/juju/errors"
	"github.com/temoto/iotfleet/cmd/iotctl/subcmd"
	"github.com/temoto/iotfleet/internal/driver"
	"github.com/temoto/iotfleet/internal/ota"
	"github.com/temoto/iotfleet/internal/state"
	"github.com/temoto/iotfleet/internal/topic"
)

var ChecksumMod = subcmd.Mod{Name: "checksum", Usage: "-f file  print firmware digest", Main: ChecksumMain}
var OtaMod = subcmd.Mod{Name: "ota", Usage: "-d device -f file [--force-clear]  upgrade device firmware", Main: OtaMain}

func ChecksumMain(ctx context.Context, config *state.Config, env *subcmd.Env) error {
	flags := env.Flags("checksum")
	path := flags.StringP("file", "f", "", "firmware image")
	if err := flags.Parse(env.Args); err != nil {
		return errors.Trace(err)
	}
	if *path == "" {
		return errors.NotValidf("usage: checksum -f file")
	}
	fw, err := ota.LoadFirmware(*path, config.FirmwareMaxBytes())
	if err != nil {
		return err
	}
	env.Printf("%s  %s\n", fw.Digest, fw.Path)
	return nil
}

func OtaMain(ctx context.Context, config *state.Config, env *subcmd.Env) error {
	flags := env.Flags("ota")
	device := flags.StringP("device", "d", "", "device id")
	path := flags.StringP("file", "f", "", "firmware image")
	forceClear := flags.Bool("force-clear", false, "only clear OTA topics of stuck device")
	if err := flags.Parse(env.Args); err != nil {
		return errors.Trace(err)
	}
	if !topic.ValidDevice(*device) || topic.IsReserved(*device) {
		return errors.NotValidf("usage: ota -d device -f file, device=%q", *device)
	}
	var fw *ota.Firmware
	if *path != "" {
		var err error
		if fw, err = ota.LoadFirmware(*path, config.FirmwareMaxBytes()); err != nil {
			return err
		}
	} else if !*forceClear {
		return errors.NotValidf("usage: ota -d device -f file, file empty")
	}

	dialer, err := config.Dialer(env.Log)
	if err != nil {
		return errors.Trace(err)
	}

	if *forceClear {
		digest := ""
		if fw != nil {
			digest = fw.Digest
		}
		s, err := dialer.Dial(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		defer s.Close()
		return ota.ForceClear(ctx, env.Log, s, *device, digest)
	}

	opt, err := config.OTAOptions()
	if err != nil {
		return err
	}
	opt.Device = *device
	opt.Firmware = fw
	opt.Progress = func(device string, percent int) {
		env.Printf("%s %d%%\n", device, percent)
	}
	u := ota.NewUpgrade(opt)
	e := driver.NewEngine(env.Log, config.EngineOptions())
	if err = e.Register(u); err != nil {
		return errors.Trace(err)
	}
	env.Log.Debugf("ota device=%s digest=%s size=%d", *device, fw.Digest, fw.Size())
	r, err := e.Run(ctx, dialer, topic.Filter(*device))
	if err != nil {
		return errors.Annotatef(err, "ota device=%s", *device)
	}
	err = env.PrintReport(r)
	if len(r.NotRun()) != 0 {
		return errors.Annotate(u.Err(), "ota not run")
	}
	if err != nil {
		if uerr := u.Err(); uerr != nil {
			return errors.Annotatef(uerr, "ota state=%s", u.State())
		}
		return err
	}
	return nil
}
