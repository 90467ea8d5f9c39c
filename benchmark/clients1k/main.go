package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	medipiGrpc "liyu1981.xyz/medipi-dispenser/pkg/grpc"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

var maxClients int = 1000
var httpHostPort string = "127.0.0.1:1080"
var grpcHostPort string = "127.0.0.1:10801"

var healthClient healthpb.HealthClient

var rnd *rand.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
var rndMu sync.Mutex

var failures atomic.Int64
var limited atomic.Int64

func main() {
	clientIDs := make([]string, maxClients)
	for i := range maxClients {
		clientIDs[i] = uuid.NewString()
	}
	fmt.Printf("generated %v client IDs\n", maxClients)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", httpHostPort))
	if err != nil {
		log.Fatal("Failed to connect to HTTP server:", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatal("HTTP server not available")
	}

	fmt.Printf("http server verified\n")

	conn, err := grpc.NewClient(grpcHostPort, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal("Failed to connect to gRPC server:", err)
	}
	defer conn.Close()
	healthClient = healthpb.NewHealthClient(conn)

	fmt.Printf("gRPC server verified and connected\n")

	startTime := time.Now()
	wg := sync.WaitGroup{}
	for i := range maxClients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doActions(clientIDs[i])
		}()
	}
	wg.Wait()
	usedTime := time.Since(startTime)

	fmt.Printf(
		"\n\rdid actions for %v clients: used time=%v seconds, throughput=%v action/second, limited=%v, failed=%v\n",
		maxClients, usedTime.Seconds(), float64(maxClients*3)/usedTime.Seconds(), limited.Load(), failures.Load(),
	)
}

func rndIntn(n int) int {
	rndMu.Lock()
	defer rndMu.Unlock()
	return rnd.Intn(n)
}

func doActions(clientID string) {
	actions := []func(){
		getStatus,
		checkHubHealth,
		postSetStatus,
	}
	actionNames := []string{
		"GetStatus",
		"CheckHubHealth",
		"PostSetStatus",
	}
	rndMu.Lock()
	rnd.Shuffle(len(actions), func(i, j int) {
		actions[i], actions[j] = actions[j], actions[i]
		actionNames[i], actionNames[j] = actionNames[j], actionNames[i]
	})
	rndMu.Unlock()
	for index, action := range actions {
		action()
		fmt.Printf("\rexecuted action %v for client %v", actionNames[index], clientID)
		time.Sleep(time.Duration(100+rndIntn(1000)) * time.Millisecond)
	}
}

func countHTTP(resp *http.Response, err error, want int) {
	if err != nil {
		fmt.Printf("\nerror: %v\n", err)
		failures.Add(1)
		return
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case want:
	case http.StatusTooManyRequests:
		limited.Add(1)
	default:
		fmt.Printf("\nunexpected status code %v\n", resp.StatusCode)
		failures.Add(1)
	}
}

func getStatus() {
	resp, err := http.Get(fmt.Sprintf("http://%s/status", httpHostPort))
	countHTTP(resp, err, http.StatusOK)
}

func postSetStatus() {
	statuses := []string{"ONLINE", "MAINTENANCE"}
	data, _ := json.Marshal(models.Command{Action: models.ActionSetStatus, Status: statuses[rndIntn(len(statuses))]})
	resp, err := http.Post(fmt.Sprintf("http://%s/commands", httpHostPort), "application/json", bytes.NewBuffer(data))
	countHTTP(resp, err, http.StatusAccepted)
}

func checkHubHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := healthClient.Check(ctx, &healthpb.HealthCheckRequest{Service: medipiGrpc.ServiceHub})
	if err != nil {
		fmt.Printf("\nerror: %v\n", err)
		failures.Add(1)
	}
}
