package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"

	stepflow "github.com/stepflow-dev/stepflow"
	"github.com/stepflow-dev/stepflow/definition"
	"github.com/stepflow-dev/stepflow/engine"
	"github.com/stepflow-dev/stepflow/store"
	"github.com/stepflow-dev/stepflow/task"
)

type orderInput struct {
	OrderID string  `json:"orderId"`
	Amount  float64 `json:"amount"`
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	// handlers the workflow's Task states resolve to
	registry := task.NewRegistry()
	registry.RegisterFunc("orderService.validate", func(tc *task.Context, input json.RawMessage) task.Result {
		order, err := task.DecodeInput[orderInput](input)
		if err != nil {
			return task.Failure("InvalidInput", err.Error())
		}
		tc.Logger.Info().Str("order_id", order.OrderID).Msg("Validating order")

		output, _ := task.EncodeOutput(map[string]any{"validated": true, "amount": order.Amount})
		return task.Success(output)
	})
	registry.RegisterFunc("paymentService.charge", func(tc *task.Context, input json.RawMessage) task.Result {
		tc.Logger.Info().Msg("Charging payment")
		output, _ := task.EncodeOutput(map[string]any{"charged": true})
		return task.Success(output)
	})

	// an order workflow: validate, branch on amount, charge or reject
	source, err := definition.NewBuilder("order-processing", "1.0.0", "validate").
		Task("validate", "orderService.validate", "decide").
		Choice("decide", []definition.ChoiceRule{{
			Condition: definition.Condition{
				Operator: definition.OperatorNumericGreaterThan,
				Variable: "$.amount",
				Value:    0,
			},
			Next: "charge",
		}}, "reject").
		Task("charge", "paymentService.charge", "done").
		Success("done").
		Fail("reject", "order amount must be positive").
		JSON()
	if err != nil {
		log.Fatal(err)
	}

	st := store.NewMemoryStore()
	eng := engine.New(st, registry, engine.WithLogger(logger))
	worker := engine.NewWorker(st, registry,
		engine.WithLogger(logger),
		engine.WithWorkerConfig(stepflow.WorkerConfig{
			BatchSize:        10,
			PollInterval:     100 * time.Millisecond,
			WakeInterval:     100 * time.Millisecond,
			ReapInterval:     time.Minute,
			StuckStepTimeout: time.Minute,
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	if _, err := eng.RegisterWorkflow(ctx, "order-processing", "Order intake pipeline", "1.0.0", source); err != nil {
		log.Fatal(err)
	}

	input, _ := json.Marshal(orderInput{OrderID: "ORD-1001", Amount: 49.90})
	result, err := eng.StartExecution(ctx, engine.StartRequest{
		Workflow: "order-processing",
		Input:    input,
	})
	if err != nil {
		log.Fatal(err)
	}

	// poll until the execution reaches a terminal status
	executionID := result.Execution.ExecutionID
	for {
		exec, err := eng.GetExecution(ctx, executionID)
		if err != nil {
			log.Fatal(err)
		}
		if exec.Status.IsTerminal() {
			fmt.Printf("execution %s finished: %s\n", executionID, exec.Status)
			fmt.Printf("output: %s\n", exec.Output)
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
}
