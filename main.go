// Package main provides the energy controller's entry point and CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/solarctl/energy-controller/config"
	"github.com/solarctl/energy-controller/controller"
	"github.com/solarctl/energy-controller/gpio"
	"github.com/solarctl/energy-controller/measurement"
	"github.com/solarctl/energy-controller/opendtu"
	"github.com/solarctl/energy-controller/powermeter"
	"github.com/solarctl/energy-controller/rectifier"
	"github.com/solarctl/energy-controller/telemetry"
)

// gridSource is the narrow capability the main loop needs from whichever
// grid power producer is running: a Modbus poller or a UDP ingest.
type gridSource interface {
	Start()
	Stop()
	controller.PollRateController
}

func main() {
	var (
		configFile = flag.String("config", "config.txt", "Configuration file path")
		help       = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	logOutput := io.Writer(os.Stdout)
	if logFile, err := os.OpenFile("energy-controller.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
		defer logFile.Close()
		logOutput = io.MultiWriter(os.Stdout, logFile)
	}
	logger := log.New(logOutput, "", log.LstdFlags|log.Lmicroseconds)

	cfg, warnings, err := config.Load(*configFile)
	if err != nil {
		logger.Printf("failed to load configuration from %q: %v", *configFile, err)
		os.Exit(1)
	}
	for _, w := range warnings {
		logger.Printf("[CONFIG] %s", w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && ctx.Err() == nil {
		logger.Printf("fatal: %v", err)
		os.Exit(1)
	}
	logger.Printf("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	var slotDetect *gpio.SlotDetect
	if cfg.SlotDetectEnabled {
		slotDetect = gpio.New(gpio.DefaultPinName, logger)
	} else {
		slotDetect = gpio.New("", logger) // always degrades to a no-op
	}

	driver, err := rectifier.New(cfg.CANInterface, slotDetect, time.Duration(cfg.SlotDetectKeepAlive)*time.Second, logger)
	if err != nil {
		return fmt.Errorf("failed to open CAN interface %q: %w", cfg.CANInterface, err)
	}
	if err := driver.Start(cfg.AbsorptionVoltage); err != nil {
		return fmt.Errorf("failed to start rectifier driver: %w", err)
	}
	defer driver.Shutdown()

	bus := measurement.NewBus()

	var source gridSource
	configuredPoll := time.Duration(cfg.PowerMeterPollingMs) * time.Millisecond
	if cfg.PowerMeterModbusIP != "" {
		address := fmt.Sprintf("%s:%d", cfg.PowerMeterModbusIP, cfg.PowerMeterModbusPort)
		poller, err := powermeter.NewModbusPoller(address, configuredPoll, bus, driver, logger)
		if err != nil {
			return fmt.Errorf("failed to start power meter poller: %w", err)
		}
		source = poller
	} else {
		ingest, err := powermeter.NewUDPIngest(cfg.UDPListenerPort, bus, driver, logger)
		if err != nil {
			return fmt.Errorf("failed to start UDP power ingest: %w", err)
		}
		source = ingest
	}
	source.Start()
	defer source.Stop()

	gateway := opendtu.New(cfg.OpenDTUHostname, cfg.OpenDTUAdminUser, cfg.OpenDTUAdminPassword, cfg.OpenDTUBatteryInverterID, cfg.OpenDTUStartDischargeVoltage, cfg.OpenDTUStopDischargeVoltage, logger)

	publisher, err := telemetry.NewPublisher(cfg.MQTTBrokerAddress, cfg.MQTTClientID, cfg.MQTTTopicPrefix, logger)
	if err != nil {
		logger.Printf("[TELEMETRY] disabled: %v", err)
	}
	defer publisher.Close()

	regulator := controller.NewRegulator(cfg.TargetGridPower, cfg.ErrorThreshold, cfg.MinChargePower, cfg.MaxChargePower, driver, logger)
	fsm := controller.NewFSM(cfg.MinChargePower, configuredPoll, cfg.OpenDTUStartDischargeVoltage, regulator, gateway, source, logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		controlLoop(groupCtx, bus, driver, gateway, fsm, publisher, time.Duration(cfg.RegulatorIdleMs)*time.Millisecond, logger)
		return nil
	})

	logger.Printf("energy controller started; can=%s modbus-meter=%v", cfg.CANInterface, cfg.PowerMeterModbusIP != "")
	<-groupCtx.Done()

	return group.Wait()
}

// controlLoop pops the latest merged grid sample, refreshes the inverter
// snapshot, and drives one FSM iteration, until ctx is cancelled.
func controlLoop(ctx context.Context, bus *measurement.Bus, driver *rectifier.Driver, gateway *opendtu.Gateway, fsm *controller.FSM, publisher *telemetry.Publisher, idle time.Duration, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		sample, ok := bus.TryPopLatest()
		if !ok {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		snapshot := gateway.FetchCurrentState(ctx)

		fsmSample := controller.SampleFrom(sample, driver.CurrentInputPower(), snapshot.BatteryToGridPowerW, snapshot.BatteryVoltageV, driver.CurrentOutputVoltage())
		fsm.Update(ctx, fsmSample)

		publisher.Publish(telemetry.Snapshot{
			State:            fsm.State().String(),
			GridPowerW:       fsmSample.GridPowerW,
			ACChargePowerW:   fsmSample.ACChargePowerW,
			BatteryVoltageV:  fsmSample.BatteryVoltageV,
			RectifierOutputV: driver.CurrentOutputVoltage(),
			RectifierOutputA: driver.CurrentOutputCurrent(),
			RectifierInputW:  driver.CurrentInputPower(),
		})

		if fsm.State() == controller.Charging {
			time.Sleep(idle)
		}
	}
}

func showHelp() {
	fmt.Println("energy-controller - charge/discharge a battery from PV surplus via a CAN-attached rectifier")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Keeps net grid power near a configured set-point by switching between idle, charging")
	fmt.Println("  (via a Huawei R4850G2-class rectifier over CAN) and discharging (via an OpenDTU-managed")
	fmt.Println("  inverter's dynamic power limiter), driven by a debounced state machine and a proportional")
	fmt.Println("  current regulator.")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  energy-controller [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Basic usage with default settings")
	fmt.Println("  energy-controller")
	fmt.Println()
	fmt.Println("  # Custom configuration")
	fmt.Println("  energy-controller --config=/etc/energy-controller.conf")
	fmt.Println()
	fmt.Println("  # Show this help")
	fmt.Println("  energy-controller --help")
}
