package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kernellabs/sc0710"
	"github.com/kernellabs/sc0710/internal/eventdb"
	"github.com/kernellabs/sc0710/mcu"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		err2 := os.MkdirAll(dir, 0775)
		if err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)
	viper.SetDefault("poll_period_ms", 200)
	viper.SetDefault("stabilization_ms", 300)

	HOME, err := os.UserHomeDir()
	if err != nil { // Handle errors reading the config file
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotConfig := filepath.Join(HOME, ".sc0710")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotConfig, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/sc0710"))
	viper.AddConfigPath(dotConfig)
	viper.AddConfigPath(".")
	err = viper.ReadInConfig() // Find and read the config file
	if err != nil {            // Handle errors reading the config file
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

// openPort finds a capture card's register window, preferring real
// hardware and falling back to the simulated device so the daemon can run
// on a development machine.
func openPort(verbosity int) (mcu.Port, string) {
	devs, err := mcu.EnumerateDevices()
	if err == nil && len(devs) > 0 {
		fd, err := mcu.OpenFileDevice(devs[0])
		if err == nil {
			fmt.Printf("Opened capture card %s\n", fd)
			return fd, fmt.Sprintf("sc0710-%d", devs[0])
		}
		fmt.Printf("Could not open device %d: %s\n", devs[0], err)
	}
	fmt.Println("No capture hardware found, using simulated device")
	sim := mcu.NewNoHardware()
	if verbosity >= 1 {
		log.Println("simulated device serves an empty status page (no signal)")
	}
	return sim, "sc0710-sim"
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	sc0710.Build.Date = buildDate
	sc0710.Build.Githash = githash
	sc0710.Build.Gitdate = gitdate
	sc0710.Build.Summary = fmt.Sprintf("sc0710d version %s (git commit %s of %s)", sc0710.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		sc0710.Build.Host = host
	} else {
		sc0710.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	pingDB := flag.Bool("pingdb", false, "check the event database connection and quit")
	noDB := flag.Bool("nodb", false, "run without recording events to the database")
	verbosity := flag.Int("verbosity", 0, "log verbosity (0-3)")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()
	quitImmediately := false

	if *printVersion {
		fmt.Printf("This is sc0710d version %s\n", sc0710.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		quitImmediately = true
	}

	if *pingDB {
		if err := eventdb.PingServer(); err != nil {
			fmt.Printf("Event database is not reachable: %s\n", err)
			os.Exit(1)
		}
		quitImmediately = true
	}

	if quitImmediately {
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is sc0710d version %s (git commit %s)\n", sc0710.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".sc0710", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	sc0710.ProblemLogger = startLogger(problemname)
	sc0710.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	sc0710.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}

	abort := make(chan struct{})

	events := eventdb.DummyConnection()
	if !*noDB {
		activity := eventdb.NewActivityMessage(githash, sc0710.Build.Version)
		events = eventdb.StartConnection(activity, abort)
		if !events.IsConnected() {
			fmt.Println("Event database not reachable, continuing without it")
		}
	}

	port, name := openPort(*verbosity)
	dev := sc0710.NewDevice(port, sc0710.DeviceOptions{
		Name:               name,
		Verbosity:          *verbosity,
		StabilizationDelay: time.Duration(viper.GetInt("stabilization_ms")) * time.Millisecond,
		Events:             events,
	})
	defer dev.Close()
	if *verbosity >= 2 {
		if err := dev.ReadDiagnosticPages(); err != nil {
			log.Printf("diagnostic pages: %v", err)
		}
	}

	pollPeriod := time.Duration(viper.GetInt("poll_period_ms")) * time.Millisecond
	go dev.RunPollLoop(abort, pollPeriod)
	go sc0710.RunClientUpdater(sc0710.Ports.Status, abort)
	sc0710.RunRPCServer(dev, sc0710.Ports.RPC, abort)
	close(abort)
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close() // error handling omitted for example
	runtime.GC()    // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
