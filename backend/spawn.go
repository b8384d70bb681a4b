package main

import "fmt"

// deathDropCoins synthesizes the deterministic coin drops produced when
// an enemy kill is won. The formula, id scheme, and integer truncation
// are a wire contract with the host client: if the host spawns its own
// coins locally using the same arithmetic, the ids match and no
// duplicate records appear. Every constant here is part of that
// contract and must not be adjusted.
func deathDropCoins(enemy *Enemy) []*Coin {
	ex := int(enemy.X)
	ey := int(enemy.Y)

	coins := make([]*Coin, 0, enemy.CoinReward)
	for i := 0; i < enemy.CoinReward; i++ {
		offsetX := mod(ex*7+i*13, 61) - 30
		offsetY := mod(ey*11+i*17, 21) - 20
		velX := mod(ex*3+i*19, 201) - 100
		velY := -200 + mod(ey*5+i*23, 101)

		coins = append(coins, &Coin{
			ID:        fmt.Sprintf("coin_drop_%d_%d_%d", ex, ey, i),
			X:         float64(ex + offsetX),
			Y:         float64(ey + offsetY),
			VelocityX: float64(velX),
			VelocityY: float64(velY),
			Value:     1,
		})
	}
	return coins
}

// mod is Euclidean modulo: Go's % can return a negative result for a
// negative dividend, but the death-drop formula assumes a result in
// [0, m).
func mod(a, m int) int {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}
