package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"golang.org/x/sync/errgroup"

	"mjbridge/bodytree"
	"mjbridge/bridge"
	"mjbridge/config"
	"mjbridge/hostconnector"
	"mjbridge/modelfile"
	physicalengine "mjbridge/physical-engine"
	"mjbridge/scenegraph"
	"mjbridge/websocketserver"
)

var runPauseSet bool

var (
	app = kingpin.New("mjbridge", "物理仿真到宿主场景图的桥接服务")

	// 仿真服务命令
	runCmd        = app.Command("run", "加载模型并启动仿真服务")
	runConfig     = runCmd.Flag("config", "配置文件 (YAML)").Short('c').String()
	runModel      = runCmd.Flag("model", "模型文件，覆盖配置").Short('m').String()
	runAssets     = runCmd.Flag("assets", "模型资源目录，覆盖配置").String()
	runListen     = runCmd.Flag("listen", "WebSocket 监听地址，覆盖配置").Short('l').String()
	runController = runCmd.Flag("controller", "控制逻辑: none | random").Enum(config.ControllerNone, config.ControllerRandom)
	runPause      = runCmd.Flag("pause", "启动时暂停物理推进").IsSetByUser(&runPauseSet).Bool()
	runStepRate   = runCmd.Flag("step-rate", "每次物理推进之间的帧数").Float64()

	// 模型检查命令
	inspectCmd    = app.Command("inspect", "输出模型刚体树 (JSON)")
	inspectModel  = inspectCmd.Arg("model", "模型文件").Required().ExistingFile()
	inspectAssets = inspectCmd.Flag("assets", "模型资源目录").String()

	// 客户端命令
	clientCmd    = app.Command("client", "启动仿真客户端")
	clientServer = clientCmd.Flag("server", "连接的服务端地址").Default("localhost:8081").Short('s').String()
	clientName   = clientCmd.Flag("name", "客户端名称").Default("viewer").Short('n').String()
	clientAuto   = clientCmd.Flag("auto", "自动发送随机控制向量").Bool()

	// 通用参数（可在任何命令中使用）
	verbose = app.Flag("verbose", "详细输出").Short('v').Bool()
)

func main() {
	app.Version("1.0.0")
	app.HelpFlag.Short('h') // 设置 -h 为帮助

	// 解析命令行参数
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if *verbose {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}

	var err error
	switch command {
	case runCmd.FullCommand():
		err = startSimulation()
	case inspectCmd.FullCommand():
		err = inspect()
	case clientCmd.FullCommand():
		err = startClient()
	}
	if err != nil {
		log.Fatalf("%s: %v", command, err)
	}
}

func settings() (config.Settings, error) {
	s, err := config.Load(*runConfig)
	if err != nil {
		return s, err
	}

	// 命令行参数优先于配置文件与环境变量
	if *runModel != "" {
		s.ModelPath = *runModel
	}
	if *runAssets != "" {
		s.AssetsPath = *runAssets
	}
	if *runListen != "" {
		s.Listen = *runListen
	}
	if *runController != "" {
		s.Controller = *runController
	}
	if *runStepRate > 0 {
		s.TargetStepRate = *runStepRate
	}
	if runPauseSet {
		s.Pause = *runPause
	}

	return s, s.Validate()
}

func startSimulation() error {
	cfg, err := settings()
	if err != nil {
		return err
	}

	model, err := modelfile.Load(cfg.ModelPath, cfg.AssetsPath)
	if err != nil {
		return err
	}

	engine, err := physicalengine.NewFromModel(cfg.EngineConfig(), model)
	if err != nil {
		return err
	}
	defer engine.Cleanup()

	graph := scenegraph.New()
	sim := bridge.NewSimulation(engine, graph, cfg.BridgeOptions())
	if err := sim.Load(model.Records()); err != nil {
		return err
	}

	if cfg.Controller == config.ControllerRandom {
		n := sim.Actuators()
		log.Printf("启用随机控制: %d 个执行器", n)
		sim.AddController(bridge.ControllerFunc(func(bridge.SimulationState) []float64 {
			return websocketserver.RandomControl(n)
		}))
	}

	server := websocketserver.NewServer(sim)
	defer server.Close()

	sinks := hostconnector.MultiSink{server}
	if shmConfig, ok := cfg.SharedMemoryConfig(); ok {
		shm, err := hostconnector.NewSharedMemoryBlock(shmConfig, true)
		if err != nil {
			return err
		}
		defer shm.Close()
		sinks = append(sinks, shm)
	}

	syncer := hostconnector.NewObjectSyncManager(graph, sinks, cfg.SyncConfig())
	defer syncer.Close()
	registered := syncer.RegisterNodeMap(sim.Nodes(), sim.Anchor(), func(body int) string {
		return model.Bodies[body].Name
	})
	log.Printf("宿主同步对象: %d", registered)
	sim.AddObserver(syncer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(ctx, cfg.Listen)
	})
	g.Go(func() error {
		err := sim.Run(ctx)
		stop()
		return err
	})
	return g.Wait()
}

func inspect() error {
	model, err := modelfile.Load(*inspectModel, *inspectAssets)
	if err != nil {
		return err
	}
	tree, err := bodytree.Build(model.Records())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(tree.Export()); err != nil {
		return fmt.Errorf("encode body tree: %w", err)
	}
	return nil
}

func startClient() error {
	log.Printf("starting client mode")
	log.Printf("连接服务器: %s", *clientServer)
	log.Printf("客户端名称: %s", *clientName)

	if *clientAuto {
		log.Println("自动发送模式已启用")
	}

	return websocketserver.WebSocketClientInit(*clientServer, *clientName, *clientAuto)
}
