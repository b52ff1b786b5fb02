package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rkona/roadsense-server/internal/connection"
	"github.com/rkona/roadsense-server/internal/consensus"
	"github.com/rkona/roadsense-server/internal/geo"
	"github.com/rkona/roadsense-server/internal/protocol"
	"github.com/rkona/roadsense-server/internal/timer"
	"github.com/rkona/roadsense-server/pkg/config"
)

// EventPublisher is what the gateway needs from the queue layer.
type EventPublisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// ConnectionJob represents a job to process data from a connection
type ConnectionJob struct {
	ConnectionID string
	DeviceID     string
	TripID       int64
	Data         []byte
	Conn         net.Conn
	Timestamp    time.Time
}

// Gateway is the TCP ingress for vehicle devices. Connections speak the
// JSON-lines device protocol; accepted events are published to the raw
// events topic keyed by type+cell so reports of the same physical anomaly
// stay ordered.
type Gateway struct {
	config      *config.TCPServerConfig
	connManager *connection.Manager
	scheduler   *timer.Scheduler
	producer    EventPublisher
	listener    net.Listener

	// Worker pool components
	jobQueue    chan *ConnectionJob
	workerCount int
	workers     []*Worker

	wg     sync.WaitGroup
	stopCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// Worker represents a worker that processes connection jobs
type Worker struct {
	id       int
	jobQueue <-chan *ConnectionJob
	server   *Gateway
	stopCh   <-chan struct{}
}

// NewGateway creates a new gateway server
func NewGateway(
	cfg *config.TCPServerConfig,
	connManager *connection.Manager,
	scheduler *timer.Scheduler,
	producer EventPublisher,
	workerCount int,
	jobQueueSize int,
) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())

	if workerCount <= 0 {
		workerCount = 10 // Default 10 workers
	}

	if jobQueueSize <= 0 {
		jobQueueSize = 1000 // Default queue size
	}

	return &Gateway{
		config:      cfg,
		connManager: connManager,
		scheduler:   scheduler,
		producer:    producer,
		jobQueue:    make(chan *ConnectionJob, jobQueueSize),
		workerCount: workerCount,
		stopCh:      make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start starts the gateway and its worker pool
func (s *Gateway) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	s.listener = listener
	fmt.Printf("Gateway listening on %s with %d workers\n", addr, s.workerCount)

	// Start workers
	s.startWorkers()

	// Start accepting connections
	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Stop stops the gateway gracefully
func (s *Gateway) Stop() {
	fmt.Println("Stopping gateway...")
	close(s.stopCh)
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	// Wait for accept loop and connection readers to finish
	s.wg.Wait()

	// Close job queue (no more jobs)
	close(s.jobQueue)

	fmt.Println("Gateway stopped")
}

// startWorkers initializes and starts worker goroutines
func (s *Gateway) startWorkers() {
	s.workers = make([]*Worker, s.workerCount)

	for i := 0; i < s.workerCount; i++ {
		worker := &Worker{
			id:       i,
			jobQueue: s.jobQueue,
			server:   s,
			stopCh:   s.stopCh,
		}
		s.workers[i] = worker

		s.wg.Add(1)
		go worker.Start(&s.wg)
	}

	fmt.Printf("Started %d workers\n", s.workerCount)
}

// acceptConnections accepts incoming connections
func (s *Gateway) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				fmt.Printf("Failed to accept connection: %v\n", err)
				continue
			}
		}

		// Check max connections
		if s.connManager.Count() >= s.config.MaxConnections {
			fmt.Println("Maximum connections reached, rejecting connection")
			conn.Close()
			continue
		}

		// Handle connection in a lightweight goroutine (just for reading)
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection handles the identify handshake and reads from the
// connection. This goroutine only reads and dispatches to workers.
func (s *Gateway) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// Generate connection ID
	connectionID := uuid.New().String()
	fmt.Printf("New connection: %s from %s\n", connectionID, conn.RemoteAddr())

	// Set identify timeout
	conn.SetReadDeadline(time.Now().Add(s.config.IdentifyTimeout))

	// Read identification message
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		fmt.Printf("Failed to read identify message: %v\n", err)
		return
	}

	// Parse identification message
	msg, err := protocol.ParseMessage([]byte(line))
	if err != nil {
		fmt.Printf("Failed to parse identify message: %v\n", err)
		s.sendError(conn, "invalid message format")
		return
	}

	identifyMsg, ok := msg.(*protocol.IdentifyMessage)
	if !ok {
		fmt.Printf("Expected identify message, got %T\n", msg)
		s.sendError(conn, "expected identify message")
		return
	}

	// Register vehicle
	if err := s.connManager.Register(connectionID, identifyMsg.DeviceID, identifyMsg.TripID, conn); err != nil {
		fmt.Printf("Failed to register vehicle: %v\n", err)
		s.sendError(conn, "failed to register")
		return
	}
	defer s.connManager.Unregister(connectionID)
	defer s.scheduler.Cancel(inactivityTimerID(connectionID))

	fmt.Printf("Vehicle identified: %s (device=%s, trip=%d)\n", connectionID, identifyMsg.DeviceID, identifyMsg.TripID)

	// Send acknowledgment
	ack := protocol.NewAckMessage(protocol.AckStatusIdentified)
	if err := s.sendMessage(conn, ack); err != nil {
		fmt.Printf("Failed to send ack: %v\n", err)
		return
	}

	// Schedule inactivity timer
	s.scheduleInactivityTimer(connectionID)

	// Clear read deadline for normal operation
	conn.SetReadDeadline(time.Time{})

	// Read messages and dispatch to workers
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		// Read message with a reasonable timeout
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		line, err := reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// Timeout, continue reading
				continue
			}
			// Connection closed or error
			fmt.Printf("Connection %s closed: %v\n", connectionID, err)
			return
		}

		// Create job and send to worker pool
		job := &ConnectionJob{
			ConnectionID: connectionID,
			DeviceID:     identifyMsg.DeviceID,
			TripID:       identifyMsg.TripID,
			Data:         []byte(line),
			Conn:         conn,
			Timestamp:    time.Now(),
		}

		// Non-blocking send to job queue
		select {
		case s.jobQueue <- job:
			// Job queued successfully
		case <-s.stopCh:
			return
		default:
			// Queue is full, log and drop
			fmt.Printf("Job queue full, dropping message from %s\n", connectionID)
		}

		// Update activity timestamp
		s.connManager.UpdateActivity(connectionID)

		// Reschedule inactivity timer
		s.scheduleInactivityTimer(connectionID)
	}
}

// Worker methods

// Start starts the worker
func (w *Worker) Start(wg *sync.WaitGroup) {
	defer wg.Done()
	fmt.Printf("Worker %d started\n", w.id)

	for {
		select {
		case job, ok := <-w.jobQueue:
			if !ok {
				// Channel closed, worker should exit
				fmt.Printf("Worker %d stopped\n", w.id)
				return
			}
			w.processJob(job)

		case <-w.stopCh:
			fmt.Printf("Worker %d received stop signal\n", w.id)
			return
		}
	}
}

// processJob processes a connection job
func (w *Worker) processJob(job *ConnectionJob) {
	// Parse message
	msg, err := protocol.ParseMessage(job.Data)
	if err != nil {
		fmt.Printf("Worker %d: Failed to parse message: %v\n", w.id, err)
		w.server.sendError(job.Conn, "invalid message")
		return
	}

	// Handle message based on type
	switch m := msg.(type) {
	case *protocol.EventMessage:
		if err := w.handleEvent(job, m); err != nil {
			fmt.Printf("Worker %d: Failed to handle event: %v\n", w.id, err)
			w.server.sendError(job.Conn, "event rejected")
			return
		}
		ack := protocol.NewAckMessage(protocol.AckStatusAccepted)
		if err := w.server.sendMessage(job.Conn, ack); err != nil {
			fmt.Printf("Worker %d: Failed to send ack: %v\n", w.id, err)
		}

	case *protocol.KeepaliveMessage:
		if err := w.handleKeepalive(job); err != nil {
			fmt.Printf("Worker %d: Failed to handle keepalive: %v\n", w.id, err)
		}

	default:
		fmt.Printf("Worker %d: Unknown message type: %T\n", w.id, msg)
	}
}

// handleEvent wraps a device event in the internal envelope and publishes
// it to the raw events topic.
func (w *Worker) handleEvent(job *ConnectionJob, msg *protocol.EventMessage) error {
	observedAt, err := time.Parse(time.RFC3339, msg.Data.ObservedAt)
	if err != nil {
		return fmt.Errorf("invalid observed_at: %w", err)
	}

	event := consensus.Event{
		Latitude:      msg.Data.Latitude,
		Longitude:     msg.Data.Longitude,
		AnomalyTypeID: msg.Data.AnomalyTypeID,
		Severity:      msg.Data.Severity,
		TripID:        job.TripID,
		ObservedAt:    observedAt,
	}

	envelope := &protocol.ObservedEventMessage{
		ConnectionID: job.ConnectionID,
		DeviceID:     job.DeviceID,
		ObserverID:   job.DeviceID,
		ReceivedAt:   job.Timestamp,
		Event:        event,
	}

	data, err := protocol.EncodeObservedEvent(envelope)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	// Key by type+cell so all reports of one physical anomaly land on the
	// same partition.
	key := geo.CellKey(event.AnomalyTypeID, event.Latitude, event.Longitude)
	if err := w.server.producer.Publish(w.server.ctx, key, data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	fmt.Printf("Worker %d: Received event from %s (device=%s, type=%d)\n", w.id, job.ConnectionID, job.DeviceID, event.AnomalyTypeID)
	return nil
}

// handleKeepalive handles keepalive message
func (w *Worker) handleKeepalive(job *ConnectionJob) error {
	ack := protocol.NewAckMessage(protocol.AckStatusAlive)
	return w.server.sendMessage(job.Conn, ack)
}

// Helper methods

func (s *Gateway) sendMessage(conn net.Conn, msg interface{}) error {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}

	_, err = conn.Write(append(data, '\n'))
	return err
}

func (s *Gateway) sendError(conn net.Conn, errMsg string) {
	ack := protocol.NewAckMessage(protocol.AckStatusError)
	s.sendMessage(conn, ack)
}

func inactivityTimerID(connectionID string) string {
	return fmt.Sprintf("inactivity-%s", connectionID)
}

func (s *Gateway) scheduleInactivityTimer(connectionID string) {
	expiryAt := time.Now().Add(s.config.InactivityTimeout)

	callback := func() {
		fmt.Printf("Inactivity timeout for connection %s\n", connectionID)

		vehicle, exists := s.connManager.Get(connectionID)
		if !exists {
			return
		}

		// Closing the connection unblocks the reader; unregister happens
		// in its deferred cleanup.
		vehicle.Conn.Close()
	}

	s.scheduler.Schedule(inactivityTimerID(connectionID), expiryAt, callback)
}
