package memory

import (
	"cmp"
	"context"
	"slices"

	"github.com/Lizaveta3333/liza-backend/internal/model"
	"github.com/Lizaveta3333/liza-backend/internal/repository"
)

type orderRepo struct {
	s *Store
}

func (r *orderRepo) Create(ctx context.Context, order *model.Order) (*model.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	r.s.orderSeq++

	o := *order
	o.ID = r.s.orderSeq
	o.CreatedAt = now
	o.UpdatedAt = now
	r.s.orders[o.ID] = &o

	onRollback(ctx, func() { delete(r.s.orders, o.ID) })

	created := o

	return &created, nil
}

func (r *orderRepo) GetByID(_ context.Context, id int64) (*model.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	o, ok := r.s.orders[id]
	if !ok {
		return nil, model.ErrOrderNotFound
	}

	c := *o

	return &c, nil
}

func (r *orderRepo) GetForUpdate(ctx context.Context, id int64) (*model.Order, error) {
	if _, ok := txFrom(ctx); !ok {
		return nil, repository.ErrNoTransaction
	}

	return r.GetByID(ctx, id)
}

func (r *orderRepo) Update(ctx context.Context, order *model.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	prev, ok := r.s.orders[order.ID]
	if !ok {
		return model.ErrOrderNotFound
	}

	order.UpdatedAt = r.s.now()
	updated := *order
	updated.CreatedAt = prev.CreatedAt
	r.s.orders[order.ID] = &updated

	onRollback(ctx, func() { r.s.orders[prev.ID] = prev })

	return nil
}

func (r *orderRepo) ListByBuyer(_ context.Context, buyerID int64, limit, offset int) ([]*model.Order, error) {
	return r.list(func(o *model.Order) bool { return o.BuyerID == buyerID }, limit, offset), nil
}

func (r *orderRepo) ListBySeller(_ context.Context, sellerID int64, limit, offset int) ([]*model.Order, error) {
	return r.list(func(o *model.Order) bool { return o.SellerID == sellerID }, limit, offset), nil
}

func (r *orderRepo) list(match func(*model.Order) bool, limit, offset int) []*model.Order {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	orders := []*model.Order{}

	for _, o := range r.s.orders {
		if match(o) {
			c := *o
			orders = append(orders, &c)
		}
	}

	slices.SortFunc(orders, func(a, b *model.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(b.ID, a.ID)
	})

	if offset >= len(orders) {
		return []*model.Order{}
	}

	orders = orders[offset:]
	if len(orders) > limit {
		orders = orders[:limit]
	}

	return orders
}

type productRepo struct {
	s *Store
}

func (r *productRepo) Create(ctx context.Context, sellerID int64, price float64, stock int) (*model.Product, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.productSeq++
	p := &model.Product{ID: r.s.productSeq, SellerID: sellerID, Price: price, Stock: stock}
	r.s.products[p.ID] = p

	onRollback(ctx, func() { delete(r.s.products, p.ID) })

	c := *p

	return &c, nil
}

func (r *productRepo) GetForUpdate(ctx context.Context, id int64) (*model.Product, error) {
	if _, ok := txFrom(ctx); !ok {
		return nil, repository.ErrNoTransaction
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.products[id]
	if !ok {
		return nil, model.ErrProductNotFound
	}

	c := *p

	return &c, nil
}

func (r *productRepo) AdjustStock(ctx context.Context, id int64, delta int) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.products[id]
	if !ok {
		return model.ErrProductNotFound
	}

	if p.Stock+delta < 0 {
		return model.ErrInsufficientStock
	}

	p.Stock += delta

	onRollback(ctx, func() { p.Stock -= delta })

	return nil
}

type userRepo struct {
	s *Store
}

func (r *userRepo) Create(ctx context.Context, email, passwordHash string, roles []string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, u := range r.s.users {
		if u.Email == email {
			return nil, repository.ErrDuplicateEmail
		}
	}

	r.s.userSeq++
	u := &model.User{
		ID:           r.s.userSeq,
		Email:        email,
		PasswordHash: passwordHash,
		Roles:        slices.Clone(roles),
		Status:       model.UserStatusActive,
		CreatedAt:    r.s.now(),
	}
	r.s.users[u.ID] = u

	onRollback(ctx, func() { delete(r.s.users, u.ID) })

	return cloneUser(u), nil
}

func (r *userRepo) GetByID(_ context.Context, id int64) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[id]
	if !ok {
		return nil, model.ErrUserNotFound
	}

	return cloneUser(u), nil
}

func (r *userRepo) GetByEmail(_ context.Context, email string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, u := range r.s.users {
		if u.Email == email {
			return cloneUser(u), nil
		}
	}

	return nil, model.ErrUserNotFound
}

// BlockUser marks a user as blocked.
func (s *Store) BlockUser(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[id]; ok {
		u.Status = model.UserStatusBlocked
	}
}

func cloneUser(u *model.User) *model.User {
	c := *u
	c.Roles = slices.Clone(u.Roles)

	return &c
}
