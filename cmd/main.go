package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/strandlib/strand"
)

func fetchUsers(co *strand.Coroutine) (any, error) {
	if err := co.Sleep(20 * time.Millisecond); err != nil {
		return nil, err
	}
	return []string{"ada", "linus"}, nil
}

func fetchOrders(co *strand.Coroutine) (any, error) {
	if err := co.Sleep(30 * time.Millisecond); err != nil {
		return nil, err
	}
	return nil, errors.New("orders backend unavailable")
}

func main() {
	now := time.Now()

	err := strand.Run("main", func(co *strand.Coroutine) (any, error) {
		users, _ := co.Scope().Spawn("fetch-users", fetchUsers)
		orders, _ := co.Scope().Spawn("fetch-orders", fetchOrders)

		u, err := co.Await(users.Result())
		if err != nil {
			return nil, err
		}
		fmt.Println("users:", u)

		if _, err := co.Await(orders.Result()); err != nil {
			fmt.Println("orders failed:", strand.CauseOf(err))
		}
		return nil, nil
	},
		strand.WithOnEvent(func(e strand.Event) {
			fmt.Printf("  [%s] %q\n", e.Kind, e.Co.Name)
		}),
	)

	if err != nil {
		fmt.Println("final error:", err)
	}
	fmt.Println("elapsed:", time.Since(now))
}
